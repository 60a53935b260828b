package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCredentialsFile is the file name of the credential store in the home directory.
const DefaultCredentialsFile = ".secret.json"

// Credentials are the OCR service access key pair.
type Credentials struct {
	AccessKey    string `json:"accessKey"`
	AccessSecret string `json:"accessSecret"`
}

// Complete reports whether both the key and the secret are set.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.AccessKey) != "" && strings.TrimSpace(c.AccessSecret) != ""
}

// Trimmed returns the credentials with surrounding whitespace removed.
func (c Credentials) Trimmed() Credentials {
	return Credentials{
		AccessKey:    strings.TrimSpace(c.AccessKey),
		AccessSecret: strings.TrimSpace(c.AccessSecret),
	}
}

// CredentialStore persists the last used credentials in a local JSON file.
type CredentialStore struct {
	path string
}

// DefaultCredentialsPath returns ~/.secret.json.
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, DefaultCredentialsFile), nil
}

// NewCredentialStore creates a store backed by the file at path.
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

func (s *CredentialStore) Path() string {
	return s.path
}

// Load reads the stored credentials. A missing file yields empty credentials.
func (s *CredentialStore) Load() (Credentials, error) {
	var creds Credentials
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return creds, nil
		}
		return creds, fmt.Errorf("failed to read credentials file: %w", err)
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("failed to parse credentials file %s: %w", s.path, err)
	}
	return creds, nil
}

// Save writes the credentials, replacing what was stored before.
func (s *CredentialStore) Save(creds Credentials) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(creds); err != nil {
		return err
	}
	if err := os.WriteFile(s.path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}
