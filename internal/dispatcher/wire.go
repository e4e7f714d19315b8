// Package dispatcher parses inbound bus messages into Commands,
// invokes the Router, and serializes the resulting Response back to
// wire format.
package dispatcher

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pht-router/trainrouter/internal/routemodel"
	"github.com/pht-router/trainrouter/internal/routerrors"
)

// EventType is the closed set of inbound command kinds.
type EventType string

const (
	EventBuilt  EventType = "trainBuilt"
	EventStart  EventType = "startTrain"
	EventStop   EventType = "stopTrain"
	EventPushed EventType = "trainPushed"
	EventStatus EventType = "trainStatus"
	EventReset  EventType = "trainReset"
)

// ResponseEvent is the closed set of outbound response kinds.
type ResponseEvent string

const (
	RespBuilt     ResponseEvent = "trainBuilt"
	RespStarted   ResponseEvent = "trainStarted"
	RespStopped   ResponseEvent = "trainStopped"
	RespMoved     ResponseEvent = "trainMoved"
	RespCompleted ResponseEvent = "trainCompleted"
	RespStatus    ResponseEvent = "trainStatus"
	RespIgnored   ResponseEvent = "trainIgnored"
	RespFailed    ResponseEvent = "trainFailed"
)

// Command is the router's internal, tagged-variant representation of
// an inbound event. Dispatch is exhaustive case analysis on Type, not
// string comparison scattered through handler bodies (spec.md §9).
type Command struct {
	Type      EventType
	JobId     routemodel.JobId
	Project   string // informational only for PUSHED; the store's current_station is authoritative
	Operator  string // PUSHED only
	RequestID string // correlation id for structured logging, not part of the wire format
}

// Response is the router's internal result, serialized to the wire
// format below.
type Response struct {
	Event     ResponseEvent
	JobId     routemodel.JobId
	Message   string
	ErrorCode *routerrors.Code
}

type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type builtData struct {
	TrainId            string `json:"trainId"`
	RepositoryFullName string `json:"repositoryFullName"`
}

type idData struct {
	ID string `json:"id"`
}

type pushedData struct {
	RepositoryFullName string `json:"repositoryFullName"`
	Operator            string `json:"operator"`
}

// Parse decodes body, the raw JSON bytes of a message (a UTF-8 string
// converts to them directly), and returns a Command, or a
// *routerrors.MalformedMessageError / *routerrors.UnknownEventError.
// An already-decoded envelope is not accepted.
func Parse(body []byte) (Command, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Command{}, &routerrors.MalformedMessageError{Reason: err.Error()}
	}
	if env.Type == "" {
		return Command{}, &routerrors.MalformedMessageError{Reason: "missing type"}
	}

	switch EventType(env.Type) {
	case EventBuilt:
		var d builtData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Command{}, &routerrors.MalformedMessageError{Reason: err.Error()}
		}
		jobId, project := resolveJobId(d.TrainId, d.RepositoryFullName)
		if jobId == "" {
			return Command{}, &routerrors.MalformedMessageError{Reason: "trainBuilt missing trainId/repositoryFullName"}
		}
		return Command{Type: EventBuilt, JobId: jobId, Project: project}, nil

	case EventStart:
		id, err := requireID(env.Data)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: EventStart, JobId: id}, nil

	case EventStop:
		id, err := requireID(env.Data)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: EventStop, JobId: id}, nil

	case EventPushed:
		var d pushedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Command{}, &routerrors.MalformedMessageError{Reason: err.Error()}
		}
		jobId, project := resolveJobId("", d.RepositoryFullName)
		if jobId == "" {
			return Command{}, &routerrors.MalformedMessageError{Reason: "trainPushed missing repositoryFullName"}
		}
		return Command{Type: EventPushed, JobId: jobId, Project: project, Operator: d.Operator}, nil

	case EventStatus:
		id, err := requireID(env.Data)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: EventStatus, JobId: id}, nil

	case EventReset:
		id, err := requireID(env.Data)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: EventReset, JobId: id}, nil

	default:
		return Command{}, &routerrors.UnknownEventError{EventType: env.Type}
	}
}

func requireID(data json.RawMessage) (string, error) {
	var d idData
	if err := json.Unmarshal(data, &d); err != nil {
		return "", &routerrors.MalformedMessageError{Reason: err.Error()}
	}
	if d.ID == "" {
		return "", &routerrors.MalformedMessageError{Reason: "missing id"}
	}
	return d.ID, nil
}

// resolveJobId accepts either an explicit trainId or a
// "<project>/<jobId>" repositoryFullName and returns the job id plus,
// when derived from a full name, the originating project.
func resolveJobId(trainId, repositoryFullName string) (jobId, project string) {
	if trainId != "" {
		return trainId, ""
	}
	if repositoryFullName == "" {
		return "", ""
	}
	idx := strings.LastIndex(repositoryFullName, "/")
	if idx < 0 {
		return repositoryFullName, ""
	}
	return repositoryFullName[idx+1:], repositoryFullName[:idx]
}

type outboundEnvelope struct {
	Type string       `json:"type"`
	Data outboundData `json:"data"`
}

type outboundData struct {
	TrainId   *string `json:"trainId"`
	Message   *string `json:"message"`
	ErrorCode *int    `json:"errorCode"`
}

// Serialize renders a Response into the wire format's JSON bytes.
func Serialize(resp Response) ([]byte, error) {
	var data outboundData
	if resp.JobId != "" {
		id := resp.JobId
		data.TrainId = &id
	}
	if resp.Message != "" {
		m := resp.Message
		data.Message = &m
	}
	if resp.ErrorCode != nil {
		c := int(*resp.ErrorCode)
		data.ErrorCode = &c
	}


	out, err := json.Marshal(outboundEnvelope{Type: string(resp.Event), Data: data})
	if err != nil {
		return nil, fmt.Errorf("serializing response: %w", err)
	}
	return out, nil
}
