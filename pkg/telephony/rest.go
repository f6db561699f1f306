package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultAPIBaseURL is the provider's REST API base.
const DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

// RESTProvider drives calls over the provider's form-encoded REST API.
type RESTProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// RESTOption customizes a RESTProvider.
type RESTOption func(*RESTProvider)

// WithBaseURL overrides the API base, used by tests and emulators.
func WithBaseURL(base string) RESTOption {
	return func(p *RESTProvider) { p.baseURL = strings.TrimSuffix(base, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(p *RESTProvider) { p.httpClient = c }
}

// NewRESTProvider returns a provider authenticated with the account
// credentials.
func NewRESTProvider(accountSID, authToken string, opts ...RESTOption) (*RESTProvider, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("telephony: account SID and auth token are required")
	}
	p := &RESTProvider{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    DefaultAPIBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func (p *RESTProvider) PlaceCall(ctx context.Context, req CallRequest) (*Call, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.InstructionsURL)
	form.Set("Method", http.MethodPost)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}
	if req.RingTimeout > 0 {
		form.Set("Timeout", strconv.Itoa(int(req.RingTimeout.Seconds())))
	}
	if req.MachineDetection {
		form.Set("MachineDetection", "Enable")
	}

	var res callResource
	if err := p.do(ctx, http.MethodPost, p.callsURL(""), form, &res); err != nil {
		return nil, fmt.Errorf("telephony: place call to %s: %w", req.To, err)
	}
	return &Call{ID: res.SID, Status: CallStatus(res.Status)}, nil
}

func (p *RESTProvider) RedirectCall(ctx context.Context, callID, instructionsURL string) error {
	form := url.Values{}
	form.Set("Url", instructionsURL)
	form.Set("Method", http.MethodPost)
	if err := p.do(ctx, http.MethodPost, p.callsURL(callID), form, nil); err != nil {
		return fmt.Errorf("telephony: redirect call %s: %w", callID, err)
	}
	return nil
}

func (p *RESTProvider) EndCall(ctx context.Context, callID string) error {
	form := url.Values{}
	form.Set("Status", string(StatusCompleted))
	if err := p.do(ctx, http.MethodPost, p.callsURL(callID), form, nil); err != nil {
		return fmt.Errorf("telephony: end call %s: %w", callID, err)
	}
	return nil
}

func (p *RESTProvider) CallState(ctx context.Context, callID string) (CallStatus, error) {
	var res callResource
	if err := p.do(ctx, http.MethodGet, p.callsURL(callID), nil, &res); err != nil {
		return "", fmt.Errorf("telephony: fetch call %s: %w", callID, err)
	}
	return CallStatus(res.Status), nil
}

func (p *RESTProvider) callsURL(callID string) string {
	if callID == "" {
		return fmt.Sprintf("%s/Accounts/%s/Calls.json", p.baseURL, p.accountSID)
	}
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", p.baseURL, p.accountSID, url.PathEscape(callID))
}

func (p *RESTProvider) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("api status %d: %s (code %d)", resp.StatusCode, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("api status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
