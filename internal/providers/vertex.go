package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"modelgateway/internal/models"
	"modelgateway/internal/utils"
)

const (
	vertexProviderName = "vertexai"

	// vertexEnvKey names the process-wide service-account key JSON in the
	// environment bag.
	vertexEnvKey = "VERTEX_SA_KEY"

	vertexScope = "https://www.googleapis.com/auth/cloud-platform"

	vertexDefaultTokenURL = "https://oauth2.googleapis.com/token"

	// vertexAssertionLifetime is the validity window requested for the
	// signed OAuth assertion, not the access token it buys.
	vertexAssertionLifetime = time.Hour
)

// vertexServiceAccount is the subset of a GCP service-account key file the
// adapter reads for the jwt-bearer exchange.
type vertexServiceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// VertexOptions configures the Vertex AI adapter.
type VertexOptions struct {
	// ProjectID and Region locate the publisher models, e.g.
	// "my-project" / "us-central1".
	ProjectID string
	Region    string

	// TokenURL overrides the service account's token_uri when set.
	TokenURL string

	// HTTPClient performs the token exchange. Defaults to a pooled client.
	HTTPClient *http.Client

	Logger *utils.Logger
}

// VertexAdapter calls Google Vertex AI publisher models. Authentication is
// a two-step flow: the service-account key signs a one-off RS256 assertion,
// the OAuth endpoint exchanges it for a short-lived bearer token, and the
// token cache keeps the exchange off the hot path.
type VertexAdapter struct {
	cfg        VertexOptions
	creds      *CredentialResolver
	tokens     *TokenCache
	httpClient *http.Client
	logger     *utils.Logger
}

// NewVertexAdapter builds the adapter over a credential resolver.
func NewVertexAdapter(creds *CredentialResolver, opts VertexOptions) *VertexAdapter {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewUpstreamClient()
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewLogger(vertexProviderName)
	}
	return &VertexAdapter{
		cfg:        opts,
		creds:      creds,
		tokens:     NewTokenCache(),
		httpClient: httpClient,
		logger:     logger,
	}
}

func (a *VertexAdapter) Name() string { return vertexProviderName }

func (a *VertexAdapter) SupportsStreaming() bool { return true }

// RelayCompatible is false: the bearer token is scoped to the upstream
// audience and calls always go direct.
func (a *VertexAdapter) RelayCompatible() bool { return false }

func (a *VertexAdapter) Validate(req *CompletionRequest, meta *models.Model) error {
	if a.cfg.ProjectID == "" || a.cfg.Region == "" {
		return utils.NewConfigurationError(vertexProviderName, "project and region are not configured")
	}
	if len(req.Messages) == 0 {
		return utils.NewParamsError("messages", "at least one message is required")
	}
	if len(req.Tools) > 0 {
		return utils.NewParamsError("tools", "vertex adapter does not map tool declarations")
	}
	return nil
}

func (a *VertexAdapter) ResolveEndpoint(req *CompletionRequest, meta *models.Model) (string, error) {
	verb := "generateContent"
	if req.Stream && meta.SupportsNativeStreaming {
		verb = "streamGenerateContent?alt=sse"
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		a.cfg.Region, a.cfg.ProjectID, a.cfg.Region, meta.UpstreamID(), verb), nil
}

func (a *VertexAdapter) BuildHeaders(ctx context.Context, req *CompletionRequest, meta *models.Model) (map[string]string, error) {
	saJSON, err := a.creds.ResolveSecret(ctx, vertexProviderName, req.User.UserID, req.Env.Key(vertexEnvKey))
	if err != nil {
		return nil, err
	}

	token, err := a.tokens.Get(ctx, vertexProviderName+":"+req.User.UserID, func(ctx context.Context) (string, time.Time, error) {
		return a.exchangeToken(ctx, saJSON)
	})
	if err != nil {
		return nil, err
	}

	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// exchangeToken runs the OAuth jwt-bearer grant: sign an assertion with the
// service-account key, post it to the token endpoint, and read back the
// access token with its lifetime.
func (a *VertexAdapter) exchangeToken(ctx context.Context, saJSON string) (string, time.Time, error) {
	var sa vertexServiceAccount
	if err := json.Unmarshal([]byte(saJSON), &sa); err != nil {
		return "", time.Time{}, utils.NewConfigurationError(vertexProviderName, "service account key is not valid JSON")
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return "", time.Time{}, utils.NewConfigurationError(vertexProviderName, "service account key is missing client_email or private_key")
	}

	tokenURL := a.cfg.TokenURL
	if tokenURL == "" {
		tokenURL = sa.TokenURI
	}
	if tokenURL == "" {
		tokenURL = vertexDefaultTokenURL
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", time.Time{}, utils.NewConfigurationError(vertexProviderName, "service account private key is not a valid RSA PEM")
	}

	now := time.Now()
	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"scope": vertexScope,
		"aud":   tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(vertexAssertionLifetime).Unix(),
	})
	signed, err := assertion.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {signed},
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", time.Time{}, &utils.ProviderError{Provider: vertexProviderName, Message: "token exchange failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", time.Time{}, classifyErrorResponse(vertexProviderName, resp)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.AccessToken == "" {
		return "", time.Time{}, &utils.ProviderError{Provider: vertexProviderName, Message: "token response carries no access token"}
	}

	expiresIn := out.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	a.logger.Info("exchanged service account assertion", "expiresInSeconds", expiresIn)
	return out.AccessToken, now.Add(time.Duration(expiresIn) * time.Second), nil
}

func (a *VertexAdapter) MapParameters(req *CompletionRequest, meta *models.Model) (map[string]interface{}, error) {
	contents := make([]interface{}, 0, len(req.Messages))
	var system []interface{}

	for i := range req.Messages {
		m := &req.Messages[i]

		parts, err := vertexParts(m)
		if err != nil {
			return nil, err
		}

		if m.Role == "system" {
			system = append(system, parts...)
			continue
		}

		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]interface{}{"role": role, "parts": parts})
	}

	body := map[string]interface{}{"contents": contents}
	if len(system) > 0 {
		body["systemInstruction"] = map[string]interface{}{"parts": system}
	}

	generation := map[string]interface{}{}
	p := req.Params
	if p.Temperature != nil {
		generation["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		generation["topP"] = *p.TopP
	}
	if p.MaxTokens != nil {
		generation["maxOutputTokens"] = *p.MaxTokens
	}
	if len(p.StopSequences) > 0 {
		generation["stopSequences"] = p.StopSequences
	}
	if len(generation) > 0 {
		body["generationConfig"] = generation
	}

	if err := ApplyInputSchema(body, req.Extra, meta.InputSchema); err != nil {
		return nil, err
	}
	return body, nil
}

// vertexParts renders one message's content in the generateContent part
// shape. Remote media rides as fileData; data URIs and tool traffic have no
// mapping here.
func vertexParts(m *Message) ([]interface{}, error) {
	parts := make([]interface{}, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			parts = append(parts, map[string]interface{}{"text": p.Text})
		case PartImageURL, PartVideoURL:
			if strings.HasPrefix(p.URL, "data:") {
				return nil, utils.NewParamsError("messages", "vertex adapter does not accept data URI media")
			}
			parts = append(parts, map[string]interface{}{
				"fileData": map[string]interface{}{
					"mimeType": p.MIMEType,
					"fileUri":  p.URL,
				},
			})
		default:
			return nil, utils.NewParamsError("messages", "vertex adapter maps text and media content only")
		}
	}
	return parts, nil
}
