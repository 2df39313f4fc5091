package gateway

import "encoding/json"

// Gateway opcodes
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opPresenceUpdate = 3
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

const eventReady = "READY"

// inbound is a frame received from the gateway. D is decoded lazily.
type inbound struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// outbound is a frame sent to the gateway
type outbound struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type presenceData struct {
	Since      *int64     `json:"since"`
	Activities []activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

type activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// presenceFor builds the op 3 payload. An empty text clears every activity.
func presenceFor(text string, activityType int) presenceData {
	activities := []activity{}
	if text != "" {
		activities = append(activities, activity{Name: text, Type: activityType})
	}
	return presenceData{
		Activities: activities,
		Status:     "online",
	}
}
