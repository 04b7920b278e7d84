package drain

// Code is the single error/result taxonomy returned by a drain tick,
// mirroring the sendImageFrame return-code convention: Ok (the zero value)
// carries success and every other value names one kind of outcome.
type Code int

const (
	Ok Code = iota
	FrameNotReady
	FrameInvalid
	FrameChanged
	FrameNextFile
	FrameBroken
	FrameFileErr
	FrameMalloc
	TooEarly
	FrameOther
	NoSpace
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "Ok"
	case FrameNotReady:
		return "FrameNotReady"
	case FrameInvalid:
		return "FrameInvalid"
	case FrameChanged:
		return "FrameChanged"
	case FrameNextFile:
		return "FrameNextFile"
	case FrameBroken:
		return "FrameBroken"
	case FrameFileErr:
		return "FrameFileErr"
	case FrameMalloc:
		return "FrameMalloc"
	case TooEarly:
		return "TooEarly"
	case FrameOther:
		return "FrameOther"
	case NoSpace:
		return "NoSpace"
	default:
		return "Unknown"
	}
}

// State is the session program state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Reading
	Cancel
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Reading:
		return "Reading"
	case Cancel:
		return "Cancel"
	default:
		return "Unknown"
	}
}
