package supervisor

type State int

const (
	Stopped State = iota
	Starting
	Running
	Crashed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Crashed:
		return "CRASHED"
	default:
		return "UNKNOWN"
	}
}
