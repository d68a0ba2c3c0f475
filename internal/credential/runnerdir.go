package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/terrpan/brokerproxy/internal/model"
)

// Files written by the runner's configuration step.
const (
	runnerFile      = ".runner"
	credentialsFile = ".credentials"
	rsaParamsFile   = ".credentials_rsaparams"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type runnerSettings struct {
	AgentID     int64  `json:"agentId"`
	AgentName   string `json:"agentName"`
	PoolID      int64  `json:"poolId"`
	PoolName    string `json:"poolName"`
	ServerURL   string `json:"serverUrl"`
	ServerURLV2 string `json:"serverUrlV2"`
	UseV2Flow   bool   `json:"useV2Flow"`
	GitHubURL   string `json:"gitHubUrl"`
	WorkFolder  string `json:"workFolder"`
}

type runnerCredentials struct {
	Scheme string `json:"scheme"`
	Data   struct {
		ClientID                string `json:"clientId"`
		AuthorizationURL        string `json:"authorizationUrl"`
		RequireFipsCryptography string `json:"requireFipsCryptography"`
	} `json:"data"`
}

type runnerRSAParams struct {
	D        string `json:"d"`
	DP       string `json:"dp"`
	DQ       string `json:"dq"`
	Exponent string `json:"exponent"`
	InverseQ string `json:"inverseQ"`
	Modulus  string `json:"modulus"`
	P        string `json:"p"`
	Q        string `json:"q"`
}

// ImportRunnerDir builds a credential from the files a configured runner
// leaves in its root directory.
func ImportRunnerDir(dir string) (*model.Credential, error) {
	var settings runnerSettings
	if err := readRunnerJSON(filepath.Join(dir, runnerFile), &settings); err != nil {
		return nil, err
	}
	var creds runnerCredentials
	if err := readRunnerJSON(filepath.Join(dir, credentialsFile), &creds); err != nil {
		return nil, err
	}
	var params runnerRSAParams
	if err := readRunnerJSON(filepath.Join(dir, rsaParamsFile), &params); err != nil {
		return nil, err
	}

	if creds.Scheme != "" && creds.Scheme != "OAuth" {
		return nil, fmt.Errorf("%s: unsupported credential scheme %q", credentialsFile, creds.Scheme)
	}

	brokerURL := settings.ServerURLV2
	if brokerURL == "" {
		return nil, fmt.Errorf("%s: runner is not registered for the broker flow (serverUrlV2 missing)", runnerFile)
	}

	rsa, err := decodeRSA(map[string]string{
		"modulus":   params.Modulus,
		"exponent":  params.Exponent,
		"d":         params.D,
		"p":         params.P,
		"q":         params.Q,
		"dp":        params.DP,
		"dq":        params.DQ,
		"inverse_q": params.InverseQ,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rsaParamsFile, err)
	}

	cred := &model.Credential{
		AgentID:    settings.AgentID,
		AgentName:  settings.AgentName,
		PoolID:     settings.PoolID,
		PoolName:   settings.PoolName,
		BrokerURL:  brokerURL,
		GitHubURL:  settings.GitHubURL,
		WorkFolder: settings.WorkFolder,
		OAuth: model.OAuthDescriptor{
			ClientID:                creds.Data.ClientID,
			AuthorizationURL:        creds.Data.AuthorizationURL,
			RequireFipsCryptography: creds.Data.RequireFipsCryptography == "True" || creds.Data.RequireFipsCryptography == "true",
		},
		RSA: rsa,
	}
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return cred, nil
}

// readRunnerJSON decodes a runner settings file. The runner writes them
// with a UTF-8 BOM and tolerates comments, so both are stripped first.
func readRunnerJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
