package temporal

// Fact is one bitemporal subject-predicate-object assertion. ValidFrom
// and ValidTo bound real-world validity in epoch milliseconds; a zero
// ValidTo means the fact is currently active. CreatedAt is storage
// time, independent of validity.
type Fact struct {
	ID         string
	Subject    string
	Predicate  string
	Object     string
	ValidFrom  int64
	ValidTo    int64
	Confidence float64
	Metadata   map[string]string
	UserID     string
	CreatedAt  int64
}

// Active reports whether the fact's validity interval is still open.
func (f Fact) Active() bool { return f.ValidTo == 0 }

// FactInput carries the fields for InsertFact. Confidence defaults to
// 1.0 when zero; ValidFrom defaults to now when zero.
type FactInput struct {
	Subject    string
	Predicate  string
	Object     string
	ValidFrom  int64
	Confidence float64
	Metadata   map[string]string
	UserID     string
}

// FactQuery is a point-in-time pattern query. Empty pattern fields act
// as wildcards. AtTime is required in epoch milliseconds.
type FactQuery struct {
	Subject       string
	Predicate     string
	Object        string
	AtTime        int64
	MinConfidence float64
	UserID        string
}
