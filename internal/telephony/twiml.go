package telephony

import (
	"encoding/xml"
	"sync"
)

// Provider markup responses. Status callbacks only ever get an empty one.

type xmlResponse struct {
	XMLName xml.Name `xml:"Response"`
}

const xmlHeader = `<?xml version="1.0" encoding="utf-8"?>`

var (
	emptyOnce sync.Once
	emptyXML  string
)

// EmptyResponse is the acknowledgement every status callback receives.
func EmptyResponse() string {
	emptyOnce.Do(func() {
		b, err := xml.Marshal(xmlResponse{})
		if err != nil {
			b = []byte("<Response></Response>")
		}
		emptyXML = xmlHeader + string(b)
	})
	return emptyXML
}
