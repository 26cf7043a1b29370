package staging

import (
	"fmt"
	"regexp"
	"time"

	"github.com/stagehand-ci/stagehand/internal/cfg"
	"github.com/stagehand-ci/stagehand/internal/orderedmap"
	"github.com/stagehand-ci/stagehand/internal/set"
)

// Project is the compiled runtime configuration of the orchestrator, a set
// of repositories whose pull requests are staged together.
type Project struct {
	Name       string
	BotName    string
	Branches   []string
	CITimeout  time.Duration
	BatchLimit int
	Admins     set.Set[string]
	Repos      *orderedmap.Map[string, *Repo]
	Reviewers  map[string]*Reviewer
}

// Repo is the compiled configuration of one repository.
type Repo struct {
	Name             string
	RequiredStatuses []*StatusRule
	substitutions    []*labelSubstitution
}

// StatusRule requires one CI context to succeed.
type StatusRule struct {
	Context  string
	branchRe *regexp.Regexp
	Prs      bool
	Stagings bool
}

// AppliesTo returns true when the context is required on the given target
// branch and scope.
func (r *StatusRule) AppliesTo(branch string, staging bool) bool {
	if staging && !r.Stagings {
		return false
	}

	if !staging && !r.Prs {
		return false
	}

	if r.branchRe != nil && !r.branchRe.MatchString(branch) {
		return false
	}

	return true
}

type labelSubstitution struct {
	pattern     *regexp.Regexp
	replacement string
}

// Reviewer is a user with review rights.
type Reviewer struct {
	Login            string
	Email            string
	Review           bool
	SelfReview       bool
	OverrideContexts set.Set[string]
	Repos            set.Set[string]
}

// reviewsRepo returns true when the reviewer's rights cover the repository.
// An empty repository list grants rights on all repositories.
func (r *Reviewer) reviewsRepo(repo string) bool {
	return len(r.Repos) == 0 || r.Repos.Contains(repo)
}

// NewProject compiles the configuration into a Project.
func NewProject(config *cfg.Config) (*Project, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	project := Project{
		Name:       config.Project.Name,
		BotName:    config.Project.BotName,
		Branches:   config.Project.Branches,
		CITimeout:  time.Duration(config.Project.CITimeoutMinutes) * time.Minute,
		BatchLimit: config.Project.BatchLimit,
		Admins:     set.From(config.Project.Admins),
		Repos:      orderedmap.New[string, *Repo](),
		Reviewers:  map[string]*Reviewer{},
	}

	if project.BotName == "" {
		project.BotName = "stagehand"
	}

	if project.CITimeout <= 0 {
		project.CITimeout = time.Hour
	}

	for _, repoCfg := range config.Project.Repositories {
		repo := Repo{Name: repoCfg.Name}

		for _, statusCfg := range repoCfg.RequiredStatuses {
			rule := StatusRule{
				Context:  statusCfg.Context,
				Prs:      statusCfg.Prs,
				Stagings: statusCfg.Stagings,
			}

			if statusCfg.BranchFilter != "" {
				re, err := regexp.Compile(statusCfg.BranchFilter)
				if err != nil {
					return nil, fmt.Errorf("repository %q, context %q: compiling branch_filter failed: %w",
						repoCfg.Name, statusCfg.Context, err)
				}

				rule.branchRe = re
			}

			repo.RequiredStatuses = append(repo.RequiredStatuses, &rule)
		}

		for _, subCfg := range repoCfg.Substitutions {
			re, err := regexp.Compile(subCfg.Pattern)
			if err != nil {
				return nil, fmt.Errorf("repository %q: compiling substitution pattern %q failed: %w",
					repoCfg.Name, subCfg.Pattern, err)
			}

			repo.substitutions = append(repo.substitutions, &labelSubstitution{
				pattern:     re,
				replacement: subCfg.Replacement,
			})
		}

		project.Repos.Set(repo.Name, &repo)
	}

	for _, reviewerCfg := range config.Reviewers {
		project.Reviewers[reviewerCfg.Login] = &Reviewer{
			Login:            reviewerCfg.Login,
			Email:            reviewerCfg.Email,
			Review:           reviewerCfg.Review,
			SelfReview:       reviewerCfg.SelfReview,
			OverrideContexts: set.From(reviewerCfg.OverrideContexts),
			Repos:            set.From(reviewerCfg.Repositories),
		}
	}

	return &project, nil
}

// Repo returns the repository configuration or nil for unmanaged
// repositories.
func (p *Project) Repo(name string) *Repo {
	repo, _ := p.Repos.Get(name)
	return repo
}

// HasBranch returns true when the branch is managed by the project.
func (p *Project) HasBranch(branch string) bool {
	for _, b := range p.Branches {
		if b == branch {
			return true
		}
	}

	return false
}

// RemapLabel applies the repository's label substitutions.
func (r *Repo) RemapLabel(label string) string {
	for _, sub := range r.substitutions {
		label = sub.pattern.ReplaceAllString(label, sub.replacement)
	}

	return label
}

// RequiredContexts returns the contexts required on the given target branch,
// for pull request commits or staging commits.
func (r *Repo) RequiredContexts(branch string, staging bool) []string {
	var result []string

	for _, rule := range r.RequiredStatuses {
		if rule.AppliesTo(branch, staging) {
			result = append(result, rule.Context)
		}
	}

	return result
}
