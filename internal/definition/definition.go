// Package definition loads pipeline definitions from YAML documents and
// normalizes them into domain pipelines. Decoding resolves variable
// references and document-level defaults; structural and graph validation
// happens afterwards in the validate package.
package definition

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyor-ci/conveyor/internal/domain"
)

// Document is the YAML shape of a pipeline definition file.
type Document struct {
	Name      string            `json:"name,omitempty" yaml:"name,omitempty"`
	Image     string            `json:"image,omitempty" yaml:"image,omitempty"`
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Stages    []string          `json:"stages,omitempty" yaml:"stages,omitempty"`
	Jobs      []JobDoc          `json:"jobs" yaml:"jobs"`
}

// JobDoc is the YAML shape of a single job entry.
type JobDoc struct {
	Name         string       `json:"name" yaml:"name"`
	Stage        string       `json:"stage" yaml:"stage"`
	Image        string       `json:"image,omitempty" yaml:"image,omitempty"`
	Tags         []string     `json:"tags,omitempty" yaml:"tags,omitempty"`
	Script       []string     `json:"script" yaml:"script"`
	Artifacts    ArtifactsDoc `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Cache        CacheDoc     `json:"cache,omitempty" yaml:"cache,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Only         []string     `json:"only,omitempty" yaml:"only,omitempty"`
	AllowFailure bool         `json:"allow_failure,omitempty" yaml:"allow_failure,omitempty"`
	Timeout      string       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ArtifactsDoc declares job output paths.
type ArtifactsDoc struct {
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// CacheDoc declares the job cache key and paths.
type CacheDoc struct {
	Key   string   `json:"key,omitempty" yaml:"key,omitempty"`
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// Option adjusts definition loading.
type Option func(*loadOptions)

type loadOptions struct {
	variables map[string]string
}

// WithVariables supplies caller variables. They override variables declared
// in the document, matching trigger-supplied variable precedence.
func WithVariables(vars map[string]string) Option {
	return func(o *loadOptions) {
		if o.variables == nil {
			o.variables = make(map[string]string, len(vars))
		}
		for k, v := range vars {
			o.variables[k] = v
		}
	}
}

// Load reads and parses a definition file.
func Load(path string, opts ...Option) (domain.Pipeline, error) {
	input, err := os.ReadFile(path)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("read definition: %w", err)
	}
	return Parse(input, opts...)
}

// Parse decodes a YAML definition into a domain pipeline. Variable
// references in images, script lines, tags, artifact paths, and cache
// descriptors are substituted exactly once; a reference to an undefined
// variable is a definition error. Defaults are applied for missing stages
// and job images.
func Parse(input []byte, opts ...Option) (domain.Pipeline, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	var doc Document
	if err := yaml.Unmarshal(input, &doc); err != nil {
		defErr := &domain.DefinitionError{}
		defErr.Addf("decode definition: %v", err)
		return domain.Pipeline{}, defErr
	}

	vars := mergeVariables(doc.Variables, o.variables)

	defErr := &domain.DefinitionError{}
	p := domain.Pipeline{
		Name:      strings.TrimSpace(doc.Name),
		Variables: vars,
		Stages:    trimAll(doc.Stages),
		Jobs:      make([]domain.Job, 0, len(doc.Jobs)),
	}
	if p.Name == "" {
		p.Name = "default"
	}
	if len(p.Stages) == 0 {
		p.Stages = append([]string(nil), domain.DefaultStages...)
	}

	defaultImage := strings.TrimSpace(doc.Image)
	if defaultImage != "" {
		out, missing := expand(defaultImage, vars)
		reportMissing(defErr, missing, "document image")
		defaultImage = strings.TrimSpace(out)
	}
	for _, jd := range doc.Jobs {
		p.Jobs = append(p.Jobs, buildJob(jd, defaultImage, vars, defErr))
	}

	if err := defErr.OrNil(); err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

func buildJob(jd JobDoc, defaultImage string, vars map[string]string, defErr *domain.DefinitionError) domain.Job {
	name := strings.TrimSpace(jd.Name)
	job := domain.Job{
		Name:         name,
		Stage:        strings.TrimSpace(jd.Stage),
		Dependencies: trimAll(jd.Dependencies),
		Only:         trimAll(jd.Only),
		AllowFailure: jd.AllowFailure,
	}

	if image := strings.TrimSpace(jd.Image); image != "" {
		out, missing := expand(image, vars)
		reportMissing(defErr, missing, "job %q image", name)
		job.Image = strings.TrimSpace(out)
	}
	job.Tags = make([]string, 0, len(jd.Tags))
	for i, tag := range jd.Tags {
		out, missing := expand(tag, vars)
		reportMissing(defErr, missing, "job %q tags[%d]", name, i)
		if out = strings.TrimSpace(out); out != "" {
			job.Tags = append(job.Tags, out)
		}
	}
	// Tag jobs target the host executor; the document image default applies
	// only to jobs that declare no placement at all.
	if job.Image == "" && len(job.Tags) == 0 {
		job.Image = defaultImage
	}

	job.Script = make([]string, 0, len(jd.Script))
	for i, line := range jd.Script {
		out, missing := expand(line, vars)
		reportMissing(defErr, missing, "job %q script[%d]", name, i)
		job.Script = append(job.Script, out)
	}

	job.Artifacts.Paths = expandPaths(jd.Artifacts.Paths, vars, defErr, "job %q artifacts", name)

	if key := strings.TrimSpace(jd.Cache.Key); key != "" {
		out, missing := expand(key, vars)
		reportMissing(defErr, missing, "job %q cache.key", name)
		job.Cache.Key = strings.TrimSpace(out)
		job.Cache.Paths = expandPaths(jd.Cache.Paths, vars, defErr, "job %q cache", name)
	}

	if raw := strings.TrimSpace(jd.Timeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			defErr.Addf("job %q timeout %q is not a valid duration", name, raw)
		} else if d < 0 {
			defErr.Addf("job %q timeout must not be negative", name)
		} else {
			job.Timeout = d
		}
	}
	return job
}

func expandPaths(paths []string, vars map[string]string, defErr *domain.DefinitionError, format string, args ...any) []string {
	out := make([]string, 0, len(paths))
	for i, path := range paths {
		expanded, missing := expand(path, vars)
		reportMissing(defErr, missing, format+".paths[%d]", append(append([]any(nil), args...), i)...)
		expanded = strings.TrimSpace(expanded)
		if expanded == "" {
			continue
		}
		out = append(out, expanded)
	}
	return out
}

func reportMissing(defErr *domain.DefinitionError, missing []string, format string, args ...any) {
	for _, name := range missing {
		defErr.Add(fmt.Sprintf(format, args...) + fmt.Sprintf(": undefined variable $%s", name))
	}
}

// expand substitutes ${NAME} and $NAME references. Shell parameter forms
// that are not identifiers ($?, $1, $(...)) pass through untouched so that
// script lines keep their runtime meaning.
func expand(s string, vars map[string]string) (string, []string) {
	var missing []string
	out := os.Expand(s, func(name string) string {
		if !isVarName(name) {
			return "$" + name
		}
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return ""
	})
	sort.Strings(missing)
	return out, missing
}

func isVarName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func mergeVariables(declared, supplied map[string]string) map[string]string {
	out := make(map[string]string, len(declared)+len(supplied))
	for k, v := range declared {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = v
	}
	for k, v := range supplied {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, item := range values {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
