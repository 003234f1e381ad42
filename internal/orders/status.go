package orders

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// Stage is where a placement request is in its lifecycle.
type Stage string

const (
	StageReceived   Stage = "received"
	StageVerifying  Stage = "verifying"
	StageReserving  Stage = "reserving"
	StagePersisting Stage = "persisting"
	StageCommitted  Stage = "committed"
	StageRejected   Stage = "rejected"
)

var validNext = map[Stage]map[Stage]bool{
	StageReceived:   {StageVerifying: true, StageRejected: true},
	StageVerifying:  {StageReserving: true, StageRejected: true},
	StageReserving:  {StagePersisting: true, StageRejected: true},
	StagePersisting: {StageCommitted: true, StageReserving: true, StageRejected: true},
	StageCommitted:  {},
	StageRejected:   {},
}

func CanTransition(from, to Stage) bool {
	return validNext[from][to]
}

func (s Stage) Terminal() bool {
	return s == StageCommitted || s == StageRejected
}
