package providers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/haasonsaas/deskpilot/pkg/models"
)

func testResolver(config ResolverConfig, env map[string]string) *CredentialResolver {
	r := NewCredentialResolver(config)
	r.getenv = func(key string) string { return env[key] }
	return r
}

func TestResolve_Anthropic(t *testing.T) {
	t.Run("from config", func(t *testing.T) {
		r := testResolver(ResolverConfig{Anthropic: AnthropicSettings{APIKey: "sk-ant-config"}}, nil)
		creds, err := r.Resolve(context.Background(), models.ProviderAnthropic)
		if err != nil || creds.APIKey != "sk-ant-config" {
			t.Fatalf("Resolve() = %+v, %v", creds, err)
		}
	})

	t.Run("from environment", func(t *testing.T) {
		r := testResolver(ResolverConfig{}, map[string]string{"ANTHROPIC_API_KEY": "sk-ant-env"})
		creds, err := r.Resolve(context.Background(), models.ProviderAnthropic)
		if err != nil || creds.APIKey != "sk-ant-env" {
			t.Fatalf("Resolve() = %+v, %v", creds, err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		r := testResolver(ResolverConfig{}, nil)
		_, err := r.Resolve(context.Background(), models.ProviderAnthropic)
		if !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("Resolve() error = %v, want ErrMissingCredentials", err)
		}
	})
}

func staticAWS(creds aws.CredentialsProvider) func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
	return func(_ context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var opts awsconfig.LoadOptions
		for _, fn := range optFns {
			if err := fn(&opts); err != nil {
				return aws.Config{}, err
			}
		}
		provider := creds
		if opts.Credentials != nil {
			provider = opts.Credentials
		}
		return aws.Config{Region: opts.Region, Credentials: provider}, nil
	}
}

func TestResolve_Bedrock(t *testing.T) {
	failing := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{}, errors.New("no EC2 IMDS role found")
	})

	t.Run("static keys from config", func(t *testing.T) {
		r := testResolver(ResolverConfig{Bedrock: BedrockSettings{
			AccessKeyID:     "AKIAEXAMPLE",
			SecretAccessKey: "secret",
		}}, nil)
		r.loadAWS = staticAWS(failing)

		creds, err := r.Resolve(context.Background(), models.ProviderBedrock)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if creds.Region != DefaultBedrockRegion || creds.AWS.Region != DefaultBedrockRegion {
			t.Errorf("region = %q / %q", creds.Region, creds.AWS.Region)
		}
		got, _ := creds.AWS.Credentials.Retrieve(context.Background())
		if got.AccessKeyID != "AKIAEXAMPLE" {
			t.Errorf("AccessKeyID = %q", got.AccessKeyID)
		}
	})

	t.Run("empty chain", func(t *testing.T) {
		r := testResolver(ResolverConfig{Bedrock: BedrockSettings{Region: "eu-central-1"}}, nil)
		r.loadAWS = staticAWS(failing)

		_, err := r.Resolve(context.Background(), models.ProviderBedrock)
		if !errors.Is(err, ErrMissingCredentials) || !strings.Contains(err.Error(), "IMDS") {
			t.Fatalf("Resolve() error = %v", err)
		}
	})

	t.Run("access check denied", func(t *testing.T) {
		r := testResolver(ResolverConfig{Bedrock: BedrockSettings{
			AccessKeyID:     "AKIAEXAMPLE",
			SecretAccessKey: "secret",
			VerifyAccess:    true,
		}}, nil)
		r.loadAWS = staticAWS(failing)
		r.listModels = func(context.Context, aws.Config) error {
			return &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not authorized to perform bedrock:ListFoundationModels"}
		}

		_, err := r.Resolve(context.Background(), models.ProviderBedrock)
		if !errors.Is(err, ErrMissingCredentials) || !strings.Contains(err.Error(), "AccessDeniedException") {
			t.Fatalf("Resolve() error = %v", err)
		}
	})

	t.Run("access check passes", func(t *testing.T) {
		calls := 0
		r := testResolver(ResolverConfig{Bedrock: BedrockSettings{
			AccessKeyID:     "AKIAEXAMPLE",
			SecretAccessKey: "secret",
			VerifyAccess:    true,
		}}, nil)
		r.loadAWS = staticAWS(failing)
		r.listModels = func(context.Context, aws.Config) error { calls++; return nil }

		if _, err := r.Resolve(context.Background(), models.ProviderBedrock); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if calls != 1 {
			t.Errorf("ListFoundationModels calls = %d, want 1", calls)
		}
	})
}

func TestResolve_Vertex(t *testing.T) {
	adc := &google.Credentials{
		ProjectID:   "adc-project",
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "ya29.test"}),
	}

	tests := []struct {
		name        string
		settings    VertexSettings
		find        func(context.Context, ...string) (*google.Credentials, error)
		wantProject string
		wantRegion  string
		wantMissing bool
	}{
		{
			name:        "project from credentials",
			find:        func(context.Context, ...string) (*google.Credentials, error) { return adc, nil },
			wantProject: "adc-project",
			wantRegion:  DefaultVertexRegion,
		},
		{
			name:        "configured project wins",
			settings:    VertexSettings{ProjectID: "configured", Region: "europe-west1"},
			find:        func(context.Context, ...string) (*google.Credentials, error) { return adc, nil },
			wantProject: "configured",
			wantRegion:  "europe-west1",
		},
		{
			name:        "no default credentials",
			find:        func(context.Context, ...string) (*google.Credentials, error) { return nil, errors.New("could not find default credentials") },
			wantMissing: true,
		},
		{
			name: "no project",
			find: func(context.Context, ...string) (*google.Credentials, error) {
				return &google.Credentials{TokenSource: adc.TokenSource}, nil
			},
			wantMissing: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testResolver(ResolverConfig{Vertex: tt.settings}, nil)
			r.findGoogle = tt.find

			creds, err := r.Resolve(context.Background(), models.ProviderVertex)
			if tt.wantMissing {
				if !errors.Is(err, ErrMissingCredentials) {
					t.Fatalf("Resolve() error = %v, want ErrMissingCredentials", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if creds.ProjectID != tt.wantProject || creds.Region != tt.wantRegion {
				t.Errorf("project = %q region = %q", creds.ProjectID, creds.Region)
			}
		})
	}
}

func TestResolve_UnknownProvider(t *testing.T) {
	_, err := testResolver(ResolverConfig{}, nil).Resolve(context.Background(), models.Provider("azure"))
	if err == nil || errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("Resolve() error = %v, want a non-credential error", err)
	}
}
