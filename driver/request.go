package driver

import "github.com/joshuapare/lmfs/device"

// Op is a request type.
type Op int

const (
	OpOpen Op = iota
	OpClose
	OpRead
	OpWrite
	OpGather
	OpScatter
	OpIoctl
	OpAlarm
	OpIntr
)

func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpClose:
		return "close"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpGather:
		return "gather"
	case OpScatter:
		return "scatter"
	case OpIoctl:
		return "ioctl"
	case OpAlarm:
		return "alarm"
	case OpIntr:
		return "intr"
	}
	return "unknown"
}

// Request is one message to the driver.
type Request struct {
	Op   Op
	Dev  device.Dev
	Off  int64            // OpRead, OpWrite
	Data []byte           // OpRead, OpWrite
	Segs []device.Segment // OpGather, OpScatter
	Cmd  uint32           // OpIoctl
	Arg  any              // OpIoctl, OpAlarm, OpIntr
}

// Reply is the driver's answer to a Request.
type Reply struct {
	N   int // bytes transferred
	Val any // ioctl and other results
	Err error
}

// Driver is the code a Pool runs. Every method except Cleanup is called with
// the gate held by the calling worker's task.
type Driver interface {
	Open(t *Task, req *Request) error
	Close(t *Task, req *Request) error

	// Transfer serves OpRead, OpWrite, OpGather and OpScatter.
	Transfer(t *Task, req *Request) (int, error)

	Ioctl(t *Task, req *Request) (any, error)

	// Cleanup runs after every request, still under the gate.
	Cleanup()

	// Other serves OpAlarm, OpIntr and unknown operations.
	Other(t *Task, req *Request) (any, error)
}
