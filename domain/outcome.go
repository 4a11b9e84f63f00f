package domain

import "time"

// Strategy names the ingestion path that produced an outcome.
type Strategy string

const (
	StrategyMemory Strategy = "memory"
	StrategySpill  Strategy = "spill"
	StrategyPath   Strategy = "path"
)

// Request pairs the correlation id with a validated filename. Filename can
// only be built by NewFilename, so a Request never carries an unchecked name.
type Request struct {
	ID       RequestID
	Filename Filename
}

// Outcome is a successful classification.
type Outcome struct {
	RequestID   RequestID
	Filename    Filename
	MimeType    MimeType
	Description string
	Encoding    string
	Strategy    Strategy
	AnalyzedAt  time.Time
}

func NewOutcome(req Request, mime MimeType, description, encoding string, strategy Strategy) Outcome {
	return Outcome{
		RequestID:   req.ID,
		Filename:    req.Filename,
		MimeType:    mime,
		Description: description,
		Encoding:    encoding,
		Strategy:    strategy,
		AnalyzedAt:  time.Now().UTC(),
	}
}

// Equal compares identity: two outcomes are the same when they answer the
// same request.
func (o Outcome) Equal(other Outcome) bool {
	return o.RequestID == other.RequestID
}
