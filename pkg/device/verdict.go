package device

// Verdict is the outcome of an authorization check.
type Verdict string

const (
	Allowed Verdict = "allowed"
	Denied  Verdict = "denied"
	Unknown Verdict = "unknown"
)

func (v Verdict) Valid() bool {
	switch v {
	case Allowed, Denied, Unknown:
		return true
	}
	return false
}

// Final reports whether the verdict is a permanent allow/deny.
func (v Verdict) Final() bool {
	return v == Allowed || v == Denied
}

// RequestStatus is the lifecycle state of an authorization request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
)

func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusDenied
}

// VerdictFor maps a terminal request status onto the permission it records.
func VerdictFor(s RequestStatus) Verdict {
	switch s {
	case StatusApproved:
		return Allowed
	case StatusDenied:
		return Denied
	}
	return Unknown
}

// CheckRequest is the body of POST /api/devices/check.
type CheckRequest struct {
	Username  string  `json:"username"`
	VendorID  string  `json:"vid"`
	ProductID string  `json:"pid"`
	Serial    *string `json:"serial"`
}

func (r CheckRequest) Identity() (Identity, error) {
	return NewIdentity(r.VendorID, r.ProductID, r.Serial)
}

type CheckResponse struct {
	Status Verdict `json:"status"`
}

// CreateRequest is the body of POST /api/requests.
type CreateRequest struct {
	Username   string  `json:"username"`
	VendorID   string  `json:"vid"`
	ProductID  string  `json:"pid"`
	Serial     *string `json:"serial"`
	DeviceInfo string  `json:"device_info"`
}

func (r CreateRequest) Identity() (Identity, error) {
	return NewIdentity(r.VendorID, r.ProductID, r.Serial)
}

// CreateResponse carries either a permanent decision or a pending request id.
type CreateResponse struct {
	RequestID uint          `json:"request_id,omitempty"`
	Status    RequestStatus `json:"status,omitempty"`
	Decision  Verdict       `json:"decision,omitempty"`
}
