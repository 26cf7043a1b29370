// Package cfg loads the stagehand configuration file.
package cfg

import (
	"fmt"
	"io"

	"github.com/pelletier/go-toml"
)

type Config struct {
	HTTPListenAddr            string      `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string      `toml:"https_server_listen_addr"`
	HTTPSCertFile             string      `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string      `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string      `toml:"github_webhook_endpoint" default:"/listener/github"`
	GithubWebHookSecret       string      `toml:"github_webhook_secret"`
	GithubAPIToken            string      `toml:"github_api_token"`
	LogFormat                 string      `toml:"log_format" default:"logfmt"`
	LogLevel                  string      `toml:"log_level" default:"info"`
	LogTimeKey                string      `toml:"log_time_key"`
	Project                   Project     `toml:"project"`
	Reviewers                 []*Reviewer `toml:"reviewer"`
}

// Project describes one github project, a set of repositories that are
// staged together.
type Project struct {
	Name             string        `toml:"name"`
	BotName          string        `toml:"bot_name"`
	Branches         []string      `toml:"branches"`
	CITimeoutMinutes int           `toml:"ci_timeout_minutes" default:"60"`
	BatchLimit       int           `toml:"batch_limit" default:"8"`
	Admins           []string      `toml:"admins"`
	Repositories     []*Repository `toml:"repository"`
}

// Repository is a single github repository of a project.
type Repository struct {
	Name             string            `toml:"name"`
	RequiredStatuses []*RequiredStatus `toml:"required_status"`
	Substitutions    []*Substitution   `toml:"substitution"`
}

// RequiredStatus is a CI context that must succeed.
// BranchFilter is a regexp limiting the target branches the context is
// required on, an empty filter matches all branches.
// Prs and Stagings control whether the context is required on pull request
// commits and on staging commits.
type RequiredStatus struct {
	Context      string `toml:"context"`
	BranchFilter string `toml:"branch_filter"`
	Prs          bool   `toml:"prs" default:"true"`
	Stagings     bool   `toml:"stagings" default:"true"`
}

// Substitution rewrites pull request labels via a regexp replacement before
// they are used for grouping.
type Substitution struct {
	Pattern     string `toml:"pattern"`
	Replacement string `toml:"replacement"`
}

// Reviewer grants a github user review rights.
type Reviewer struct {
	Login            string   `toml:"login"`
	Email            string   `toml:"email"`
	Review           bool     `toml:"review"`
	SelfReview       bool     `toml:"self_review"`
	OverrideContexts []string `toml:"override_contexts"`
	Repositories     []string `toml:"repositories"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}

// Validate checks for configuration mistakes that would make the daemon
// misbehave silently.
func (r *Config) Validate() error {
	if len(r.Project.Repositories) == 0 {
		return fmt.Errorf("project %q has no repositories", r.Project.Name)
	}

	if len(r.Project.Branches) == 0 {
		return fmt.Errorf("project %q has no branches", r.Project.Name)
	}

	seen := map[string]struct{}{}
	for _, repo := range r.Project.Repositories {
		if repo.Name == "" {
			return fmt.Errorf("project %q contains a repository without a name", r.Project.Name)
		}

		if _, exists := seen[repo.Name]; exists {
			return fmt.Errorf("repository %q is configured multiple times", repo.Name)
		}
		seen[repo.Name] = struct{}{}
	}

	for _, reviewer := range r.Reviewers {
		if reviewer.Login == "" {
			return fmt.Errorf("a reviewer entry has no login")
		}
	}

	return nil
}
