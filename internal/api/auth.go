package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rdmount/rdmount/internal/protocol"
)

// TokenFile holds a saved personal access token.
type TokenFile struct {
	Token    string    `json:"token"`
	BaseURL  string    `json:"base_url"`
	FullName string    `json:"full_name"`
	SavedAt  time.Time `json:"saved_at"`
}

// TokenFilePath returns the default path for the token file.
func TokenFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "rdmount", "token.json")
}

// SaveToken saves a token file to the default location.
func SaveToken(tf *TokenFile) error {
	path := TokenFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadToken loads a token file from the default location.
func LoadToken() (*TokenFile, error) {
	data, err := os.ReadFile(TokenFilePath())
	if err != nil {
		return nil, err
	}
	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	return &tf, nil
}

// DeleteToken removes the saved token file.
func DeleteToken() error {
	return os.Remove(TokenFilePath())
}

// VerifyToken checks the current credential against the API and returns
// the owning user's display name.
func (c *Client) VerifyToken(ctx context.Context) (string, error) {
	doc, err := c.getDocument(ctx, "user", c.resourceURL("users", "me"))
	if err != nil {
		return "", err
	}
	var attrs protocol.UserAttributes
	if err := json.Unmarshal(doc.Data.Attributes, &attrs); err != nil {
		return "", fmt.Errorf("decode user: %w", err)
	}
	return attrs.FullName, nil
}
