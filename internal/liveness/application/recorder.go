package application

import liveness "powerverter-monitor/internal/liveness/domain"

// Evidence outcomes reported to a Recorder.
const (
	ResultAccepted     = "accepted"
	ResultIgnoredFirst = "ignored_first"
	ResultUnchanged    = "unchanged"
	ResultParseError   = "parse_error"
	ResultStale        = "stale_identity"
)

// Recorder receives session observability signals.
type Recorder interface {
	Evidence(kind liveness.EvidenceKind, result string)
	Transition(from, to liveness.Status)
	StoreError(op string)
	ChannelError()
	Sessions(delta int)
}

type nopRecorder struct{}

func (nopRecorder) Evidence(liveness.EvidenceKind, string) {}
func (nopRecorder) Transition(liveness.Status, liveness.Status) {}
func (nopRecorder) StoreError(string) {}
func (nopRecorder) ChannelError() {}
func (nopRecorder) Sessions(int) {}
