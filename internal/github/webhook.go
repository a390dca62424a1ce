package github

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/go-github/v57/github"

	"github.com/clintrovert/foreman/pkg/types"
)

var (
	// ErrInvalidSignature means the delivery was not signed with the repository secret.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnsupportedEvent is returned for deliveries other than pull_request.
	ErrUnsupportedEvent = errors.New("unsupported webhook event")
)

// RepoFullName reads repository.full_name from an unverified payload so the
// matching secret can be looked up before verification.
func RepoFullName(payload []byte) (string, error) {
	var probe struct {
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("failed to decode payload: %w", err)
	}
	if probe.Repository.FullName == "" {
		return "", errors.New("payload has no repository.full_name")
	}
	return probe.Repository.FullName, nil
}

// VerifySignature checks X-Hub-Signature-256 against the raw body. An empty
// secret disables verification.
func VerifySignature(signature string, payload []byte, secret string) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return ErrInvalidSignature
	}
	if err := github.ValidateSignature(signature, payload, []byte(secret)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// ParseEvent decodes a pull_request delivery.
func ParseEvent(eventType string, payload []byte) (*types.PullRequestEvent, error) {
	if eventType != "pull_request" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}
	raw, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse webhook: %w", err)
	}
	ev, ok := raw.(*github.PullRequestEvent)
	if !ok || ev.PullRequest == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}

	pull := convert(ev.PullRequest)
	if ev.PullRequest.GetMerged() {
		pull.Merged = true
	}
	return &types.PullRequestEvent{
		Action:   ev.GetAction(),
		FullName: ev.GetRepo().GetFullName(),
		Pull:     pull,
	}, nil
}
