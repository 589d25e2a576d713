package prolific

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"owleval/internal/domain"
)

const (
	DefaultBaseURL = "https://api.prolific.com"
	DefaultTimeout = 30 * time.Second
)

// Client is a minimal Prolific REST client.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewClient creates a client with its own *http.Client. A Client is safe for concurrent use as
// long as its fields are not changed after the first request.
func NewClient(baseURL, token string) *Client {
	return NewClientWithTimeout(baseURL, token, DefaultTimeout)
}

// NewClientWithTimeout is NewClient with a per-request timeout; 0 uses DefaultTimeout.
func NewClientWithTimeout(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

// Study is the remote study record (partial).
type Study struct {
	ID                      string      `json:"id"`
	Name                    string      `json:"name"`
	InternalName            string      `json:"internal_name,omitempty"`
	Description             string      `json:"description,omitempty"`
	Status                  StudyStatus `json:"status"`
	Reward                  int         `json:"reward"`
	TotalAvailablePlaces    int         `json:"total_available_places"`
	NumberOfSubmissions     int         `json:"number_of_submissions"`
	EstimatedCompletionTime int         `json:"estimated_completion_time,omitempty"`
	ExternalStudyURL        string      `json:"external_study_url,omitempty"`
	CompletionCode          string      `json:"completion_code,omitempty"`
	DateCreated             string      `json:"date_created,omitempty"`
}

// ParticipantInfo is the demographic profile, embedded in submissions or fetched separately.
type ParticipantInfo struct {
	Age                *int     `json:"age,omitempty"`
	Sex                string   `json:"sex,omitempty"`
	Nationality        string   `json:"nationality,omitempty"`
	Languages          []string `json:"languages,omitempty"`
	EmploymentStatus   string   `json:"employment_status,omitempty"`
	StudentStatus      string   `json:"student_status,omitempty"`
	CountryOfResidence string   `json:"country_of_residence,omitempty"`
}

func (p ParticipantInfo) Demographics() domain.Demographics {
	return domain.Demographics{
		Age:                p.Age,
		Sex:                p.Sex,
		Nationality:        p.Nationality,
		Languages:          append([]string(nil), p.Languages...),
		EmploymentStatus:   p.EmploymentStatus,
		StudentStatus:      p.StudentStatus,
		CountryOfResidence: p.CountryOfResidence,
	}
}

// Submission is one participant's attempt at a study. Reward on a submission is not reliable;
// payments use the study reward.
type Submission struct {
	ID              string           `json:"id"`
	ParticipantID   string           `json:"participant_id"`
	Status          SubmissionStatus `json:"status"`
	StartedAt       *string          `json:"started_at,omitempty"`
	CompletedAt     *string          `json:"completed_at,omitempty"`
	Reward          int              `json:"reward,omitempty"`
	TimeTaken       *int             `json:"time_taken,omitempty"`
	BonusPayments   []int            `json:"bonus_payments,omitempty"`
	ParticipantInfo *ParticipantInfo `json:"participant_info,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("prolific api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StudyAction is a study transition verb.
type StudyAction string

const (
	ActionPublish StudyAction = "PUBLISH"
	ActionPause   StudyAction = "PAUSE"
	ActionStart   StudyAction = "START"
	ActionStop    StudyAction = "STOP"
)

// SubmissionAction is a review verb.
type SubmissionAction string

const (
	ActionApprove SubmissionAction = "APPROVE"
	ActionReject  SubmissionAction = "REJECT"
)

func (c *Client) GetStudy(ctx context.Context, studyID string) (Study, error) {
	var resp Study
	err := c.do(ctx, http.MethodGet, studyPath(studyID, ""), nil, &resp)
	return resp, err
}

// ListSubmissions returns every submission of a study.
func (c *Client) ListSubmissions(ctx context.Context, studyID string) ([]Submission, error) {
	var resp struct {
		Results []Submission `json:"results"`
	}
	err := c.do(ctx, http.MethodGet, studyPath(studyID, "submissions/"), nil, &resp)
	return resp.Results, err
}

// GetParticipant fetches a demographic profile. Most tokens lack this permission.
func (c *Client) GetParticipant(ctx context.Context, participantID string) (ParticipantInfo, error) {
	var resp ParticipantInfo
	endpoint := fmt.Sprintf("api/v1/participants/%s/", url.PathEscape(participantID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateStudy(ctx context.Context, req CreateStudyRequest) (Study, error) {
	var resp Study
	err := c.do(ctx, http.MethodPost, "api/v1/studies/", req, &resp)
	return resp, err
}

func (c *Client) TransitionStudy(ctx context.Context, studyID string, action StudyAction) (Study, error) {
	var resp Study
	body := map[string]any{"action": action}
	err := c.do(ctx, http.MethodPost, studyPath(studyID, "transition/"), body, &resp)
	return resp, err
}

// TransitionSubmission approves or rejects a submission. Reason is sent for rejections only.
func (c *Client) TransitionSubmission(ctx context.Context, submissionID string, action SubmissionAction, reason string) error {
	body := map[string]any{"action": action}
	if action == ActionReject {
		body["rejection_reason"] = reason
	}
	endpoint := fmt.Sprintf("api/v1/submissions/%s/transition/", url.PathEscape(submissionID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Token "+c.Token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func studyPath(studyID, suffix string) string {
	return fmt.Sprintf("api/v1/studies/%s/%s", url.PathEscape(studyID), suffix)
}

func (c *Client) base() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}
