package model

import (
	"crypto/rsa"
	"fmt"
	"math/big"
)

// Credential is the provisioned runner identity for one target. It is
// immutable once issued and only replaced by re-registration.
type Credential struct {
	AgentID    int64  `yaml:"agent_id" json:"agentId"`
	AgentName  string `yaml:"agent_name" json:"agentName"`
	PoolID     int64  `yaml:"pool_id" json:"poolId"`
	PoolName   string `yaml:"pool_name" json:"poolName"`
	BrokerURL  string `yaml:"broker_url" json:"brokerUrl"`
	GitHubURL  string `yaml:"github_url" json:"gitHubUrl"`
	WorkFolder string `yaml:"work_folder" json:"workFolder"`

	OAuth OAuthDescriptor `yaml:"oauth" json:"oauth"`
	RSA   RSAParameters   `yaml:"rsa" json:"rsa"`
}

// OAuthDescriptor describes how the runner proves its identity.
type OAuthDescriptor struct {
	ClientID                string `yaml:"client_id" json:"clientId"`
	AuthorizationURL        string `yaml:"authorization_url" json:"authorizationUrl"`
	RequireFipsCryptography bool   `yaml:"require_fips" json:"requireFipsCryptography"`
}

// RSAParameters is the runner's RSA key in parameter form, as stored by
// the runner itself. All values are big-endian unsigned integers.
type RSAParameters struct {
	Modulus  []byte `yaml:"modulus" json:"modulus"`
	Exponent []byte `yaml:"exponent" json:"exponent"`
	D        []byte `yaml:"d" json:"d"`
	P        []byte `yaml:"p" json:"p"`
	Q        []byte `yaml:"q" json:"q"`
	DP       []byte `yaml:"dp" json:"dp"`
	DQ       []byte `yaml:"dq" json:"dq"`
	InverseQ []byte `yaml:"inverse_q" json:"inverseQ"`
}

// PrivateKey assembles and validates an *rsa.PrivateKey. The CRT values
// are recomputed from P and Q.
func (p RSAParameters) PrivateKey() (*rsa.PrivateKey, error) {
	if len(p.Modulus) == 0 || len(p.Exponent) == 0 || len(p.D) == 0 || len(p.P) == 0 || len(p.Q) == 0 {
		return nil, fmt.Errorf("rsa parameters: modulus, exponent, d, p and q are required")
	}
	e := new(big.Int).SetBytes(p.Exponent)
	if !e.IsInt64() || e.Int64() > int64(^uint32(0)>>1) {
		return nil, fmt.Errorf("rsa parameters: public exponent out of range")
	}

	pub := rsa.PublicKey{N: new(big.Int).SetBytes(p.Modulus), E: int(e.Int64())}
	primes := []*big.Int{new(big.Int).SetBytes(p.P), new(big.Int).SetBytes(p.Q)}
	key := &rsa.PrivateKey{PublicKey: pub, D: new(big.Int).SetBytes(p.D), Primes: primes}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("rsa parameters: %w", err)
	}
	key.Precompute()
	return key, nil
}

// RSAParametersFromKey is the inverse of PrivateKey.
func RSAParametersFromKey(key *rsa.PrivateKey) RSAParameters {
	key.Precompute()
	params := RSAParameters{
		Modulus:  key.N.Bytes(),
		Exponent: big.NewInt(int64(key.E)).Bytes(),
		D:        key.D.Bytes(),
	}
	if len(key.Primes) == 2 {
		params.P = key.Primes[0].Bytes()
		params.Q = key.Primes[1].Bytes()
		params.DP = key.Precomputed.Dp.Bytes()
		params.DQ = key.Precomputed.Dq.Bytes()
		params.InverseQ = key.Precomputed.Qinv.Bytes()
	}
	return params
}

// Validate checks the fields the broker session needs.
func (c *Credential) Validate() error {
	if c == nil {
		return fmt.Errorf("credential is nil")
	}
	if c.BrokerURL == "" {
		return fmt.Errorf("credential: broker url is required")
	}
	if c.OAuth.ClientID == "" {
		return fmt.Errorf("credential: oauth client id is required")
	}
	if c.OAuth.AuthorizationURL == "" {
		return fmt.Errorf("credential: oauth authorization url is required")
	}
	if _, err := c.RSA.PrivateKey(); err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	return nil
}
