package retell

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

// EventType names a message the call service pushes to the client.
type EventType string

const (
	EventTypeCallStarted       EventType = "call_started"
	EventTypeCallEnded         EventType = "call_ended"
	EventTypeAgentStartTalking EventType = "agent_start_talking"
	EventTypeAgentStopTalking  EventType = "agent_stop_talking"
	EventTypeUpdate            EventType = "update"
	EventTypeMetadata          EventType = "metadata"
	EventTypeError             EventType = "error"
)

// Event is one decoded service message: a type plus its typed param.
type Event struct {
	Type  EventType
	Param EventParam
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

func paramForType(t EventType) (EventParam, error) {
	switch t {
	case EventTypeCallStarted:
		return new(EventParamCallStarted), nil
	case EventTypeCallEnded:
		return new(EventParamCallEnded), nil
	case EventTypeAgentStartTalking:
		return new(EventParamAgentStartTalking), nil
	case EventTypeAgentStopTalking:
		return new(EventParamAgentStopTalking), nil
	case EventTypeUpdate:
		return new(EventParamUpdate), nil
	case EventTypeMetadata:
		return new(EventParamMetadata), nil
	case EventTypeError:
		return new(EventParamError), nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", t)
	}
}

func (e *Event) decode(raw map[string]any) error {
	if v, ok := raw["type"].(string); ok {
		e.Type = EventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	param, err := paramForType(e.Type)
	if err != nil {
		return err
	}
	if err := param.New(raw); err != nil {
		return err
	}
	e.Param = param
	return nil
}

func (e *Event) encode() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["type"] = e.Type
	return resp, nil
}

func (e *Event) MarshalJSON() ([]byte, error) {
	resp, err := e.encode()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.decode(raw)
}

func (e *Event) MarshalYAML() ([]byte, error) {
	resp, err := e.encode()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *Event) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.decode(raw)
}

// call_started
type EventParamCallStarted struct {
	CallId string
}

func (p *EventParamCallStarted) New(m map[string]any) error {
	if v, ok := m["call_id"].(string); ok {
		p.CallId = v
	} else {
		return errors.New("missing call_id")
	}
	return nil
}

func (p *EventParamCallStarted) Json() map[string]any {
	return map[string]any{
		"call_id": p.CallId,
	}
}

// call_ended
type EventParamCallEnded struct {
	Reason string
}

func (p *EventParamCallEnded) New(m map[string]any) error {
	if v, ok := m["reason"].(string); ok {
		p.Reason = v
	} else {
		p.Reason = ""
	}
	return nil
}

func (p *EventParamCallEnded) Json() map[string]any {
	resp := map[string]any{}
	if p.Reason != "" {
		resp["reason"] = p.Reason
	}
	return resp
}

// agent_start_talking
type EventParamAgentStartTalking struct{}

func (p *EventParamAgentStartTalking) New(m map[string]any) error {
	return nil
}

func (p *EventParamAgentStartTalking) Json() map[string]any {
	return map[string]any{}
}

// agent_stop_talking
type EventParamAgentStopTalking struct{}

func (p *EventParamAgentStopTalking) New(m map[string]any) error {
	return nil
}

func (p *EventParamAgentStopTalking) Json() map[string]any {
	return map[string]any{}
}

// update carries the full transcript so far, newest utterance last.
type EventParamUpdate struct {
	Transcript []TranscriptItem
}

func (p *EventParamUpdate) New(m map[string]any) error {
	v, ok := m["transcript"]
	if !ok {
		return errors.New("missing transcript")
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("re-encoding transcript: %w", err)
	}
	if err := sonic.Unmarshal(raw, &p.Transcript); err != nil {
		return fmt.Errorf("decoding transcript: %w", err)
	}
	return nil
}

func (p *EventParamUpdate) Json() map[string]any {
	return map[string]any{
		"transcript": p.Transcript,
	}
}

// metadata
type EventParamMetadata struct {
	Metadata map[string]any
}

func (p *EventParamMetadata) New(m map[string]any) error {
	if v, ok := m["metadata"].(map[string]any); ok {
		p.Metadata = v
	} else {
		return errors.New("missing metadata")
	}
	return nil
}

func (p *EventParamMetadata) Json() map[string]any {
	return map[string]any{
		"metadata": p.Metadata,
	}
}

// error
type EventParamError struct {
	Code    string
	Message string
}

func (p *EventParamError) New(m map[string]any) error {
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	if v, ok := m["code"].(string); ok {
		p.Code = v
	} else {
		p.Code = ""
	}
	return nil
}

func (p *EventParamError) Json() map[string]any {
	resp := map[string]any{
		"message": p.Message,
	}
	if p.Code != "" {
		resp["code"] = p.Code
	}
	return resp
}
