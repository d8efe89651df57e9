package calls

// SelectActiveLeg returns the most recently created leg of a call.
// Legs with equal CreatedAt resolve to the one that appears later in records,
// which is insertion order for every Repository implementation.
func SelectActiveLeg(records []CallRecord) (CallRecord, bool) {
	if len(records) == 0 {
		return CallRecord{}, false
	}
	best := 0
	for i := 1; i < len(records); i++ {
		if !records[i].CreatedAt.Before(records[best].CreatedAt) {
			best = i
		}
	}
	return records[best], true
}

// IDs returns the ids of records, in order.
func IDs(records []CallRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
