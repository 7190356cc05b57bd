package vsock

import "encoding/json"

// MessageType discriminates the body of a Frame.
type MessageType string

const (
	TypeExec       MessageType = "exec"
	TypeExecResult MessageType = "exec_result"
	TypeSpawn      MessageType = "spawn"
	TypeSpawnOK    MessageType = "spawn_ok"
	TypeWait       MessageType = "wait"
	TypeWaitResult MessageType = "wait_result"
	TypeWriteFile  MessageType = "write_file"
	TypeOK         MessageType = "ok"
	TypeShutdown   MessageType = "shutdown"
	TypeError      MessageType = "error"
)

// Envelope is the outer JSON object carried by every Frame. Type
// discriminates how Body should be unmarshaled.
type Envelope struct {
	Type MessageType     `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Encode wraps a typed payload in an Envelope and marshals it to bytes
// suitable for WriteFrame.
func Encode(msgType MessageType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Body: body})
}

// Decode unmarshals a frame's bytes into an Envelope without decoding its
// Body, deferring to the caller who knows which concrete type to expect
// based on Envelope.Type.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodeBody unmarshals env.Body into out.
func DecodeBody(env Envelope, out any) error {
	return json.Unmarshal(env.Body, out)
}
