package model

// VerdictSink receives the verdict of every flow whose classification became final.
type VerdictSink interface {
	Publish(v Verdict) error
}
