package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/smithy-go"
	"golang.org/x/oauth2/google"

	"github.com/haasonsaas/deskpilot/pkg/models"
)

// ErrMissingCredentials is returned when a provider cannot be authenticated.
var ErrMissingCredentials = errors.New("missing provider credentials")

const (
	DefaultBedrockRegion = "us-west-2"
	DefaultVertexRegion  = "us-east5"

	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

// AnthropicSettings authenticates against the first-party API.
type AnthropicSettings struct {
	APIKey  string
	BaseURL string
}

// BedrockSettings authenticates against AWS Bedrock. Empty keys fall back
// to the default AWS credential chain.
type BedrockSettings struct {
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// VerifyAccess lists foundation models to prove the credentials can
	// reach Bedrock before a run starts.
	VerifyAccess bool
}

// VertexSettings authenticates against Google Vertex AI using application
// default credentials.
type VertexSettings struct {
	ProjectID string
	Region    string
}

// ResolverConfig holds per-provider credential settings.
type ResolverConfig struct {
	Anthropic AnthropicSettings
	Bedrock   BedrockSettings
	Vertex    VertexSettings
}

// Credentials is everything needed to build a Client for one provider.
type Credentials struct {
	Provider models.Provider

	// anthropic
	APIKey  string
	BaseURL string

	// bedrock
	AWS aws.Config

	// vertex
	Google    *google.Credentials
	ProjectID string

	Region string
}

// CredentialResolver checks that a provider can be used and collects its
// credentials.
type CredentialResolver struct {
	config ResolverConfig

	loadAWS    func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error)
	listModels func(ctx context.Context, cfg aws.Config) error
	findGoogle func(ctx context.Context, scopes ...string) (*google.Credentials, error)
	getenv     func(string) string
}

// NewCredentialResolver creates a resolver backed by the real AWS and
// Google credential chains.
func NewCredentialResolver(config ResolverConfig) *CredentialResolver {
	return &CredentialResolver{
		config:     config,
		loadAWS:    awsconfig.LoadDefaultConfig,
		listModels: listFoundationModels,
		findGoogle: google.FindDefaultCredentials,
		getenv:     os.Getenv,
	}
}

// Resolve returns credentials for provider, or an error matching
// ErrMissingCredentials.
func (r *CredentialResolver) Resolve(ctx context.Context, provider models.Provider) (*Credentials, error) {
	switch provider {
	case models.ProviderAnthropic:
		return r.resolveAnthropic()
	case models.ProviderBedrock:
		return r.resolveBedrock(ctx)
	case models.ProviderVertex:
		return r.resolveVertex(ctx)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func (r *CredentialResolver) resolveAnthropic() (*Credentials, error) {
	key := strings.TrimSpace(r.config.Anthropic.APIKey)
	if key == "" {
		key = strings.TrimSpace(r.getenv("ANTHROPIC_API_KEY"))
	}
	if key == "" {
		return nil, fmt.Errorf("%w: anthropic API key is not set (ANTHROPIC_API_KEY)", ErrMissingCredentials)
	}
	return &Credentials{
		Provider: models.ProviderAnthropic,
		APIKey:   key,
		BaseURL:  r.config.Anthropic.BaseURL,
	}, nil
}

func (r *CredentialResolver) resolveBedrock(ctx context.Context) (*Credentials, error) {
	settings := r.config.Bedrock
	region := settings.Region
	if region == "" {
		region = DefaultBedrockRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if settings.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(settings.Profile))
	}
	if settings.AccessKeyID != "" && settings.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			settings.AccessKeyID,
			settings.SecretAccessKey,
			settings.SessionToken,
		)))
	}

	cfg, err := r.loadAWS(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load AWS config: %v", ErrMissingCredentials, err)
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("%w: no AWS credentials found", ErrMissingCredentials)
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return nil, fmt.Errorf("%w: AWS credentials unavailable: %v", ErrMissingCredentials, err)
	}

	if settings.VerifyAccess {
		if err := r.listModels(ctx, cfg); err != nil {
			return nil, fmt.Errorf("%w: Bedrock access check in %s failed: %s", ErrMissingCredentials, region, describeAWSError(err))
		}
	}

	return &Credentials{Provider: models.ProviderBedrock, AWS: cfg, Region: region}, nil
}

func (r *CredentialResolver) resolveVertex(ctx context.Context) (*Credentials, error) {
	settings := r.config.Vertex
	region := settings.Region
	if region == "" {
		region = DefaultVertexRegion
	}

	creds, err := r.findGoogle(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("%w: Google application default credentials: %v", ErrMissingCredentials, err)
	}

	project := settings.ProjectID
	if project == "" {
		project = creds.ProjectID
	}
	if project == "" {
		return nil, fmt.Errorf("%w: Vertex project id is not set (VERTEX_PROJECT_ID)", ErrMissingCredentials)
	}

	return &Credentials{
		Provider:  models.ProviderVertex,
		Google:    creds,
		ProjectID: project,
		Region:    region,
	}, nil
}

func listFoundationModels(ctx context.Context, cfg aws.Config) error {
	client := bedrock.NewFromConfig(cfg)
	_, err := client.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	return err
}

// describeAWSError keeps the service error code when there is one.
func describeAWSError(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err.Error()
}
