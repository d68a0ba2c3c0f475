package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"

	"github.com/terrpan/brokerproxy/internal/model"
)

// Message types delivered by the broker.
const (
	MessageJobRequest      = "RunnerJobRequest"
	MessageBrokerMigration = "BrokerMigration"
	MessageJobCancellation = "JobCancellation"
)

type createSessionRequest struct {
	OwnerName         string    `json:"ownerName"`
	Agent             agentInfo `json:"agent"`
	UseFipsEncryption bool      `json:"useFipsEncryption"`
}

type agentInfo struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Version       string `json:"version"`
	OSDescription string `json:"osDescription"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// brokerMessage is one message returned by a poll.
type brokerMessage struct {
	MessageID   int64           `json:"messageId"`
	MessageType string          `json:"messageType"`
	Body        json.RawMessage `json:"body"`
}

// decodeBody unmarshals the message body into v. The broker sends the
// body either as an object or as a JSON-encoded string.
func (m brokerMessage) decodeBody(v any) error {
	raw := bytes.TrimSpace(m.Body)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("empty body")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		raw = []byte(s)
	}
	return json.Unmarshal(raw, v)
}

type jobRequestBody struct {
	JobID           string      `json:"jobId"`
	JobDisplayName  string      `json:"jobDisplayName"`
	WorkflowRunID   json.Number `json:"workflowRunId"`
	OwnerName       string      `json:"ownerName"`
	RepositoryName  string      `json:"repositoryName"`
	Actor           string      `json:"actor"`
	RunnerRequestID json.Number `json:"runnerRequestId"`
}

type migrationBody struct {
	BrokerBaseURL string `json:"brokerBaseUrl"`
}

// jobOffer converts a RunnerJobRequest message into a JobOffer.
func (m brokerMessage) jobOffer(targetID string) (model.JobOffer, error) {
	var body jobRequestBody
	if err := m.decodeBody(&body); err != nil {
		return model.JobOffer{}, err
	}
	if body.JobID == "" {
		return model.JobOffer{}, fmt.Errorf("jobId is missing")
	}
	var runID int64
	if body.WorkflowRunID != "" {
		id, err := strconv.ParseInt(body.WorkflowRunID.String(), 10, 64)
		if err != nil {
			return model.JobOffer{}, fmt.Errorf("workflowRunId: %w", err)
		}
		runID = id
	}
	return model.JobOffer{
		TargetID:      targetID,
		MessageID:     m.MessageID,
		JobID:         body.JobID,
		JobName:       body.JobDisplayName,
		ActorLogin:    body.Actor,
		WorkflowRunID: runID,
		Owner:         body.OwnerName,
		Repo:          body.RepositoryName,
	}, nil
}

// runnerOS and runnerArch map the Go platform to the runner's names.
func runnerOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	default:
		return "Linux"
	}
}

func runnerArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "ARM64"
	case "arm":
		return "ARM"
	case "386":
		return "X86"
	default:
		return "X64"
	}
}
