// Package credential persists the provisioned runner identity of each
// target. Files are YAML, optionally sealed with an age X25519 identity.
package credential

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/brokerproxy/internal/model"
)

// ErrNotFound is returned by Load when no credential is stored for the
// target.
var ErrNotFound = errors.New("credential not found")

// Store loads and saves per-target credentials.
type Store interface {
	Load(targetID string) (*model.Credential, error)
	Save(targetID string, cred *model.Credential) error
	Clear(targetID string) error
}

const (
	plainExt  = ".yaml"
	sealedExt = ".yaml.age"
)

// FileStore keeps one file per target under a directory. When an identity
// is configured, files are written sealed and both sealed and plain files
// are readable.
type FileStore struct {
	dir      string
	identity *age.X25519Identity
}

// NewFileStore returns a store rooted at dir. identity may be nil to store
// credentials in plain YAML.
func NewFileStore(dir string, identity *age.X25519Identity) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("credential directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating credential directory: %w", err)
	}
	return &FileStore{dir: dir, identity: identity}, nil
}

// Load reads the credential for targetID.
func (s *FileStore) Load(targetID string) (*model.Credential, error) {
	if err := checkID(targetID); err != nil {
		return nil, err
	}

	data, sealed, err := s.read(targetID)
	if err != nil {
		return nil, err
	}
	if sealed {
		if s.identity == nil {
			return nil, fmt.Errorf("credential %s is sealed but no identity is configured", targetID)
		}
		r, err := age.Decrypt(bytes.NewReader(data), s.identity)
		if err != nil {
			return nil, fmt.Errorf("decrypting credential %s: %w", targetID, err)
		}
		if data, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("reading decrypted credential %s: %w", targetID, err)
		}
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing credential %s: %w", targetID, err)
	}
	cred, err := doc.credential()
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", targetID, err)
	}
	return cred, nil
}

// Save writes cred for targetID, replacing any previous file atomically.
func (s *FileStore) Save(targetID string, cred *model.Credential) error {
	if err := checkID(targetID); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(newDocument(cred))
	if err != nil {
		return fmt.Errorf("encoding credential %s: %w", targetID, err)
	}

	ext := plainExt
	if s.identity != nil {
		var buf bytes.Buffer
		w, err := age.Encrypt(&buf, s.identity.Recipient())
		if err != nil {
			return fmt.Errorf("creating age encryptor: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("encrypting credential %s: %w", targetID, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("finalizing credential %s: %w", targetID, err)
		}
		data = buf.Bytes()
		ext = sealedExt
	}

	path := filepath.Join(s.dir, targetID+ext)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("writing credential %s: %w", targetID, err)
	}

	// Drop the other representation so Load never sees a stale copy.
	other := plainExt
	if ext == plainExt {
		other = sealedExt
	}
	if err := os.Remove(filepath.Join(s.dir, targetID+other)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale credential %s: %w", targetID, err)
	}
	return nil
}

// Clear removes the credential for targetID. Clearing a missing
// credential is not an error.
func (s *FileStore) Clear(targetID string) error {
	if err := checkID(targetID); err != nil {
		return err
	}
	for _, ext := range []string{sealedExt, plainExt} {
		err := os.Remove(filepath.Join(s.dir, targetID+ext))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing credential %s: %w", targetID, err)
		}
	}
	return nil
}

func (s *FileStore) read(targetID string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, targetID+sealedExt))
	if err == nil {
		return data, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("reading credential %s: %w", targetID, err)
	}

	data, err = os.ReadFile(filepath.Join(s.dir, targetID+plainExt))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("target %s: %w", targetID, ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading credential %s: %w", targetID, err)
	}
	return data, false, nil
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid target id %q", id)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cred-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// document is the on-disk shape. Key material is base64 so the file
// stays readable YAML.
type document struct {
	AgentID    int64    `yaml:"agent_id"`
	AgentName  string   `yaml:"agent_name"`
	PoolID     int64    `yaml:"pool_id,omitempty"`
	PoolName   string   `yaml:"pool_name,omitempty"`
	BrokerURL  string   `yaml:"broker_url"`
	GitHubURL  string   `yaml:"github_url,omitempty"`
	WorkFolder string   `yaml:"work_folder,omitempty"`
	OAuth      oauthDoc `yaml:"oauth"`
	RSA        rsaDoc   `yaml:"rsa"`
}

type oauthDoc struct {
	ClientID         string `yaml:"client_id"`
	AuthorizationURL string `yaml:"authorization_url"`
	RequireFips      bool   `yaml:"require_fips,omitempty"`
}

type rsaDoc struct {
	Modulus  string `yaml:"modulus"`
	Exponent string `yaml:"exponent"`
	D        string `yaml:"d"`
	P        string `yaml:"p"`
	Q        string `yaml:"q"`
	DP       string `yaml:"dp,omitempty"`
	DQ       string `yaml:"dq,omitempty"`
	InverseQ string `yaml:"inverse_q,omitempty"`
}

func newDocument(c *model.Credential) document {
	enc := base64.StdEncoding.EncodeToString
	return document{
		AgentID:    c.AgentID,
		AgentName:  c.AgentName,
		PoolID:     c.PoolID,
		PoolName:   c.PoolName,
		BrokerURL:  c.BrokerURL,
		GitHubURL:  c.GitHubURL,
		WorkFolder: c.WorkFolder,
		OAuth: oauthDoc{
			ClientID:         c.OAuth.ClientID,
			AuthorizationURL: c.OAuth.AuthorizationURL,
			RequireFips:      c.OAuth.RequireFipsCryptography,
		},
		RSA: rsaDoc{
			Modulus:  enc(c.RSA.Modulus),
			Exponent: enc(c.RSA.Exponent),
			D:        enc(c.RSA.D),
			P:        enc(c.RSA.P),
			Q:        enc(c.RSA.Q),
			DP:       enc(c.RSA.DP),
			DQ:       enc(c.RSA.DQ),
			InverseQ: enc(c.RSA.InverseQ),
		},
	}
}

func (d document) credential() (*model.Credential, error) {
	params, err := decodeRSA(map[string]string{
		"modulus":   d.RSA.Modulus,
		"exponent":  d.RSA.Exponent,
		"d":         d.RSA.D,
		"p":         d.RSA.P,
		"q":         d.RSA.Q,
		"dp":        d.RSA.DP,
		"dq":        d.RSA.DQ,
		"inverse_q": d.RSA.InverseQ,
	})
	if err != nil {
		return nil, err
	}
	return &model.Credential{
		AgentID:    d.AgentID,
		AgentName:  d.AgentName,
		PoolID:     d.PoolID,
		PoolName:   d.PoolName,
		BrokerURL:  d.BrokerURL,
		GitHubURL:  d.GitHubURL,
		WorkFolder: d.WorkFolder,
		OAuth: model.OAuthDescriptor{
			ClientID:                d.OAuth.ClientID,
			AuthorizationURL:        d.OAuth.AuthorizationURL,
			RequireFipsCryptography: d.OAuth.RequireFips,
		},
		RSA: params,
	}, nil
}

func decodeRSA(fields map[string]string) (model.RSAParameters, error) {
	out := make(map[string][]byte, len(fields))
	for name, value := range fields {
		if value == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return model.RSAParameters{}, fmt.Errorf("decoding rsa %s: %w", name, err)
		}
		out[name] = b
	}
	return model.RSAParameters{
		Modulus:  out["modulus"],
		Exponent: out["exponent"],
		D:        out["d"],
		P:        out["p"],
		Q:        out["q"],
		DP:       out["dp"],
		DQ:       out["dq"],
		InverseQ: out["inverse_q"],
	}, nil
}
