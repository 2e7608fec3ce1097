// Package api holds the message model exchanged with the upstream controller
// and the small interfaces the transport core expects from its collaborators.
package api

// MessageType tags the logical type of a reassembled payload so the receiver
// can dispatch it without parsing the body first.
type MessageType string

const (
	TypeCheckin         MessageType = "checkin"
	TypeMessageResponse MessageType = "message_response"
	TypeTasking         MessageType = "get_tasking"
	TypeStaging         MessageType = "staging_rsa"
	TypeStagingResponse MessageType = "staging_rsa_response"
	TypeDelegate        MessageType = "delegate"
)

// Message is any typed payload that crosses the channel.
type Message interface {
	Type() MessageType
}

// CheckinMessage is the first message an agent sends after the channel is
// keyed. The controller answers with a MessageResponse carrying the callback id.
type CheckinMessage struct {
	Action         string   `json:"action"`
	UUID           string   `json:"uuid"`
	IPs            []string `json:"ips,omitempty"`
	OS             string   `json:"os,omitempty"`
	User           string   `json:"user,omitempty"`
	Host           string   `json:"host,omitempty"`
	PID            int      `json:"pid,omitempty"`
	Architecture   string   `json:"architecture,omitempty"`
	Domain         string   `json:"domain,omitempty"`
	IntegrityLevel int      `json:"integrity_level,omitempty"`
	ProcessName    string   `json:"process_name,omitempty"`
}

func (*CheckinMessage) Type() MessageType { return TypeCheckin }

// Task is one unit of work handed down by the controller. Its parameters are
// opaque to the transport.
type Task struct {
	ID         string  `json:"id"`
	Command    string  `json:"command"`
	Parameters string  `json:"parameters,omitempty"`
	Timestamp  float64 `json:"timestamp,omitempty"`
}

// TaskResponse is output produced for a task.
type TaskResponse struct {
	TaskID     string `json:"task_id"`
	UserOutput string `json:"user_output,omitempty"`
	Completed  bool   `json:"completed,omitempty"`
	Status     string `json:"status,omitempty"`
}

// SocksDatagram carries tunnelled socks traffic.
type SocksDatagram struct {
	ServerID int    `json:"server_id"`
	Data     string `json:"data"`
	Exit     bool   `json:"exit,omitempty"`
}

// DelegateMessage wraps an opaque payload for another agent reachable through
// this one. Message is forwarded unmodified.
type DelegateMessage struct {
	UUID       string `json:"uuid"`
	C2Profile  string `json:"c2_profile"`
	Message    string `json:"message"`
	MythicUUID string `json:"new_uuid,omitempty"`
}

func (*DelegateMessage) Type() MessageType { return TypeDelegate }

// MessageResponse is what the controller sends back for checkins and tasking.
type MessageResponse struct {
	Action    string            `json:"action"`
	ID        string            `json:"id,omitempty"`
	Status    string            `json:"status,omitempty"`
	Tasks     []Task            `json:"tasks,omitempty"`
	Responses []TaskResponse    `json:"responses,omitempty"`
	Delegates []DelegateMessage `json:"delegates,omitempty"`
	Socks     []SocksDatagram   `json:"socks,omitempty"`
}

func (*MessageResponse) Type() MessageType { return TypeMessageResponse }

// TaskingMessage is one outbound batch assembled by the task source.
type TaskingMessage struct {
	Action      string            `json:"action"`
	TaskingSize int               `json:"tasking_size"`
	Delegates   []DelegateMessage `json:"delegates,omitempty"`
	Responses   []TaskResponse    `json:"responses,omitempty"`
	Socks       []SocksDatagram   `json:"socks,omitempty"`
}

func (*TaskingMessage) Type() MessageType { return TypeTasking }

// Empty reports whether the batch carries nothing worth sending.
func (m *TaskingMessage) Empty() bool {
	return m == nil || (len(m.Delegates) == 0 && len(m.Responses) == 0 && len(m.Socks) == 0)
}

// EKEHandshakeMessage opens the encrypted key exchange. PublicKey is a PEM
// encoded RSA public key.
type EKEHandshakeMessage struct {
	Action    string `json:"action"`
	PublicKey string `json:"pub_key"`
	SessionID string `json:"session_id"`
}

func (*EKEHandshakeMessage) Type() MessageType { return TypeStaging }

// EKEHandshakeResponse carries the RSA encrypted session key (base64) and the
// identifier the controller assigned to this staging session.
type EKEHandshakeResponse struct {
	Action     string `json:"action"`
	UUID       string `json:"uuid"`
	SessionKey string `json:"session_key"`
	SessionID  string `json:"session_id"`
}

func (*EKEHandshakeResponse) Type() MessageType { return TypeStagingResponse }

// NewMessage allocates an empty message for a tag, or nil when the tag is not
// known. TypeDelegate is not allocatable since its concrete type is carried
// inside the body.
func NewMessage(t MessageType) Message {
	switch t {
	case TypeCheckin:
		return &CheckinMessage{}
	case TypeMessageResponse:
		return &MessageResponse{}
	case TypeTasking:
		return &TaskingMessage{}
	case TypeStaging:
		return &EKEHandshakeMessage{}
	case TypeStagingResponse:
		return &EKEHandshakeResponse{}
	default:
		return nil
	}
}

// TypeForAction resolves the action field of a decoded body to a message tag.
// Requests and responses share action names, so fromController picks the
// direction.
func TypeForAction(action string, fromController bool) (MessageType, bool) {
	switch action {
	case "staging_rsa":
		if fromController {
			return TypeStagingResponse, true
		}
		return TypeStaging, true
	case "checkin":
		if fromController {
			return TypeMessageResponse, true
		}
		return TypeCheckin, true
	case "get_tasking", "post_response":
		if fromController {
			return TypeMessageResponse, true
		}
		return TypeTasking, true
	default:
		return "", false
	}
}
