package lode

// SessionSummary describes one archived writer session of a stream.
type SessionSummary struct {
	SessionID    string `json:"session_id"`
	Day          string `json:"day"`
	StartedAt    string `json:"started_at"`
	SampleSize   int64  `json:"sample_size"`
	Schema       string `json:"schema"`
	Appends      int64  `json:"appends"`
	Samples      int64  `json:"samples"`
	Complete     bool   `json:"complete"`
	TotalSamples int64  `json:"total_samples"`
}

// Summarize groups stream records by session, in first-seen order.
// A session is complete once its eof record was read; TotalSamples is the
// count the eof record carries, Samples the count actually read.
func Summarize(records []map[string]any) []SessionSummary {
	var out []SessionSummary
	index := make(map[string]int)

	for _, r := range records {
		id := toString(r["session_id"])
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, SessionSummary{SessionID: id, Day: toString(r["day"])})
		}
		s := &out[i]

		switch toString(r["record_kind"]) {
		case RecordKindDeclare:
			s.StartedAt = toString(r["ts"])
			s.Schema = toString(r["schema"])
			s.SampleSize = ToInt64(r["sample_size"])
		case RecordKindSamples:
			s.Appends++
			s.Samples += ToInt64(r["num_samples"])
		case RecordKindEOF:
			s.Complete = true
			s.TotalSamples = ToInt64(r["total_samples"])
		}
	}
	return out
}
