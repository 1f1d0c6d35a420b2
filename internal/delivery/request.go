package delivery

import (
	"fmt"
	"strconv"
	"time"

	"pkt.systems/endpointd/internal/txncoord"
	"pkt.systems/endpointd/internal/work"
)

// StepKind is one call an adapter makes on an endpoint instance.
type StepKind int

const (
	StepBeforeDelivery StepKind = iota + 1
	StepInvoke
	StepAfterDelivery
	StepRelease
)

func (k StepKind) String() string {
	switch k {
	case StepBeforeDelivery:
		return "before_delivery"
	case StepInvoke:
		return "invoke"
	case StepAfterDelivery:
		return "after_delivery"
	case StepRelease:
		return "release"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// ParseStepKind parses the String form.
func ParseStepKind(s string) (StepKind, error) {
	switch s {
	case "before_delivery", "beforeDelivery":
		return StepBeforeDelivery, nil
	case "invoke", "":
		return StepInvoke, nil
	case "after_delivery", "afterDelivery":
		return StepAfterDelivery, nil
	case "release":
		return StepRelease, nil
	}
	return 0, fmt.Errorf("delivery: unknown step %q", s)
}

// Step addresses one call to an instance of the target endpoint.
type Step struct {
	Kind     StepKind
	Instance string
	Method   string
	Payload  string
}

// DefaultInstance is the instance id steps use when none is given.
const DefaultInstance = "0"

// BeforeDelivery builds a beforeDelivery step.
func BeforeDelivery(instance, method string) Step {
	return Step{Kind: StepBeforeDelivery, Instance: instance, Method: method}
}

// Invoke builds a listener invocation step.
func Invoke(instance, method, payload string) Step {
	return Step{Kind: StepInvoke, Instance: instance, Method: method, Payload: payload}
}

// AfterDelivery builds an afterDelivery step.
func AfterDelivery(instance string) Step {
	return Step{Kind: StepAfterDelivery, Instance: instance}
}

// Release builds a release step.
func Release(instance string) Step {
	return Step{Kind: StepRelease, Instance: instance}
}

// Request is an immutable delivery submission.
type Request struct {
	DeliveryID string
	Endpoint   string
	Steps      []Step
	// Resource is the adapter-supplied transactional resource. When nil and
	// WithResource is set, a tracking resource with no backing store is used.
	Resource     txncoord.Resource
	WithResource bool
	// Xid imports an externally begun transaction for the delivery.
	Xid *txncoord.Xid
	// Shared keeps idle instances alive after the delivery so later
	// deliveries can address them again.
	Shared bool

	Mode         work.Mode
	Listener     work.Listener
	StartTimeout time.Duration
	WaitTimeout  time.Duration
}

// OptionA builds a delivery that invokes method once per payload on one
// instance with no demarcation calls.
func OptionA(endpoint, method string, payloads ...string) Request {
	steps := make([]Step, 0, len(payloads)+1)
	for _, p := range payloads {
		steps = append(steps, Invoke(DefaultInstance, method, p))
	}
	steps = append(steps, Release(DefaultInstance))
	return Request{Endpoint: endpoint, Steps: steps, Mode: work.ModeDoWork}
}

// OptionB builds a delivery that brackets every payload with
// beforeDelivery and afterDelivery on one instance.
func OptionB(endpoint, method string, payloads ...string) Request {
	steps := make([]Step, 0, 3*len(payloads)+1)
	for _, p := range payloads {
		steps = append(steps,
			BeforeDelivery(DefaultInstance, method),
			Invoke(DefaultInstance, method, p),
			AfterDelivery(DefaultInstance),
		)
	}
	steps = append(steps, Release(DefaultInstance))
	return Request{Endpoint: endpoint, Steps: steps, Mode: work.ModeDoWork}
}

// Fanout builds an Option A delivery that sends each payload to its own
// instance, instance ids 0..n-1.
func Fanout(endpoint, method string, payloads ...string) Request {
	steps := make([]Step, 0, 2*len(payloads))
	for i, p := range payloads {
		id := strconv.Itoa(i)
		steps = append(steps, Invoke(id, method, p), Release(id))
	}
	return Request{Endpoint: endpoint, Steps: steps, Mode: work.ModeDoWork}
}

func (r Request) validate() error {
	if r.Endpoint == "" {
		return fmt.Errorf("delivery: request without endpoint")
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("delivery: request without steps")
	}
	for i, s := range r.Steps {
		switch s.Kind {
		case StepBeforeDelivery, StepInvoke:
			if s.Method == "" {
				return fmt.Errorf("delivery: step %d (%s) without method", i, s.Kind)
			}
		case StepAfterDelivery, StepRelease:
		default:
			return fmt.Errorf("delivery: step %d has unknown kind %d", i, int(s.Kind))
		}
	}
	return nil
}
