// Package auth provides the OAuth2 building blocks for connecting Google Calendar
// from a desktop process: client configuration, PKCE and state generation, and
// the loopback listener that receives the authorization redirect.
package auth

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	oauth2api "google.golang.org/api/oauth2/v2"
)

// CredentialsFile is the name of the OAuth client credentials file.
const CredentialsFile = "google_credentials.json"

// Scopes grants calendar read/write and the account email shown in the status.
var Scopes = []string{
	calendar.CalendarScope,
	oauth2api.UserinfoEmailScope,
}

// ClientSource lists the places OAuth client credentials may come from.
// They are tried in field order: Secret Manager, credentials file, then the
// plain client id and secret.
type ClientSource struct {
	SecretProject   string
	SecretName      string
	CredentialsFile string
	ClientID        string
	ClientSecret    string
}

// GetCredentialsPath returns the path to the credentials directory.
func GetCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".credentials")
}

// DefaultCredentialsFile returns ~/.credentials/google_credentials.json.
func DefaultCredentialsFile() string {
	return filepath.Join(GetCredentialsPath(), CredentialsFile)
}

// LoadOAuthConfig resolves the OAuth client for the installed-app flow.
// RedirectURL is left empty; the flow sets it per listener port.
func LoadOAuthConfig(ctx context.Context, src ClientSource) (*oauth2.Config, error) {
	var credentialsJSON []byte

	if src.SecretProject != "" && src.SecretName != "" {
		b, err := loadFromSecretManager(ctx, src.SecretProject, src.SecretName)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load OAuth client from Secret Manager")
		} else {
			log.Info().Str("secret", src.SecretName).Msg("OAuth client loaded from Secret Manager")
			credentialsJSON = b
		}
	}

	if credentialsJSON == nil && src.CredentialsFile != "" {
		b, err := os.ReadFile(src.CredentialsFile)
		switch {
		case err == nil:
			log.Debug().Str("file", src.CredentialsFile).Msg("OAuth client loaded from file")
			credentialsJSON = b
		case !os.IsNotExist(err) || src.ClientID == "":
			return nil, fmt.Errorf("unable to read credentials file %s: %w", src.CredentialsFile, err)
		}
	}

	if credentialsJSON != nil {
		config, err := google.ConfigFromJSON(credentialsJSON, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("unable to parse credentials: %w", err)
		}
		config.RedirectURL = ""
		return config, nil
	}

	if src.ClientID == "" {
		return nil, fmt.Errorf("no OAuth client configured: set GOOGLE_CLIENT_ID, a credentials file or a Secret Manager secret")
	}

	return &oauth2.Config{
		ClientID:     src.ClientID,
		ClientSecret: src.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	}, nil
}

// loadFromSecretManager reads the latest version of a secret.
func loadFromSecretManager(ctx context.Context, project, secretName string) ([]byte, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	defer client.Close()

	secretPath := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secretName)
	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access secret %s: %w", secretPath, err)
	}

	return result.Payload.Data, nil
}

// OpenBrowser tries to open url with the platform handler. Failure is not an
// error: the caller prints the URL as well.
func OpenBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	}

	if cmd != nil {
		if err := cmd.Start(); err != nil {
			log.Debug().Err(err).Msg("Could not open browser")
		}
	}
}
