package templates

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"sort"

	"pipeline-bootstrap/dtos"
	"pipeline-bootstrap/internal"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

//go:embed ci.yaml
var ciTemplate string

const (
	ciTemplateName = "ci.yaml"
	CapabilityIAM  = "CAPABILITY_IAM"
)

// Parameter is a parameter declared by a template.
type Parameter struct {
	Name       string
	HasDefault bool
}

// Template is a named template body. The body is passed to CloudFormation unmodified.
type Template struct {
	Name string
	Body string
}

// CITemplate returns the CI stack template, read from overridePath when set and the
// bundled copy otherwise.
func CITemplate(overridePath string) (Template, error) {
	if overridePath == "" {
		return Template{Name: ciTemplateName, Body: ciTemplate}, nil
	}
	body, err := os.ReadFile(overridePath)
	if err != nil {
		return Template{}, internal.NewConfigurationError("CI_TEMPLATE_PATH", err.Error(), "")
	}
	return Template{Name: overridePath, Body: string(body)}, nil
}

// DeclaredParameters lists the Parameters section of a YAML or JSON template, sorted by
// name. Intrinsic function tags such as !Ref are left uninterpreted.
func DeclaredParameters(t Template) ([]Parameter, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(t.Body), &doc); err != nil {
		return nil, internal.NewConfigurationError("template", fmt.Sprintf("%s: %v", t.Name, err), "")
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, internal.NewConfigurationError("template", fmt.Sprintf("%s: top level is not a mapping", t.Name), "")
	}

	section := mappingValue(root, "Parameters")
	if section == nil {
		return nil, nil
	}
	if section.Kind != yaml.MappingNode {
		return nil, internal.NewConfigurationError("template", fmt.Sprintf("%s: Parameters is not a mapping", t.Name), "")
	}

	var params []Parameter
	for i := 0; i+1 < len(section.Content); i += 2 {
		params = append(params, Parameter{
			Name:       section.Content[i].Value,
			HasDefault: mappingValue(section.Content[i+1], "Default") != nil,
		})
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

type Builder struct {
	Logger *log.Logger
}

func NewBuilder(logger *log.Logger) *Builder {
	return &Builder{Logger: logger}
}

// Build resolves values against the parameters the template declares. Values for
// undeclared parameters are dropped. A declared parameter with no value and no default
// fails the build with a MissingParameterError.
func (b *Builder) Build(stackName string, t Template, values map[string]string, capabilities ...string) (dtos.StackDescriptor, error) {
	declared, err := DeclaredParameters(t)
	if err != nil {
		return dtos.StackDescriptor{}, err
	}

	params := make(map[string]string, len(declared))
	var missing []string
	for _, p := range declared {
		if v, ok := values[p.Name]; ok && v != "" {
			params[p.Name] = v
			continue
		}
		if !p.HasDefault {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return dtos.StackDescriptor{}, &internal.MissingParameterError{Template: t.Name, Parameters: missing}
	}

	for name := range values {
		if !slices.ContainsFunc(declared, func(p Parameter) bool { return p.Name == name }) {
			b.Logger.Debug("Dropping parameter the template does not declare", "template", t.Name, "parameter", name)
		}
	}

	return dtos.StackDescriptor{
		Name:         stackName,
		TemplateBody: t.Body,
		Parameters:   params,
		Capabilities: capabilities,
	}, nil
}

// CIInputs are the values only known once storage is staged and secrets are resolved.
type CIInputs struct {
	Bucket        string
	LambdaVersion string
	GitHubToken   string
}

// CIParameters maps the deployment configuration onto the CI template's parameters.
func CIParameters(cfg internal.Config, in CIInputs) map[string]string {
	return map[string]string{
		"AppName":             cfg.AppName,
		"BuildBucket":         in.Bucket,
		"LambdaKey":           cfg.LambdaKey,
		"LambdaLatestVersion": in.LambdaVersion,
		"GitHubUser":          cfg.GitHubUser,
		"GitHubToken":         in.GitHubToken,
		"GitHubRepoName":      cfg.GitHubRepo,
		"GitHubBranchName":    cfg.GitHubBranch,
		"WebStackName":        cfg.WebStack(),
		"KeyName":             cfg.KeyName,
	}
}

// BuildCI builds the CI stack descriptor.
func (b *Builder) BuildCI(cfg internal.Config, t Template, in CIInputs) (dtos.StackDescriptor, error) {
	return b.Build(cfg.CIStack(), t, CIParameters(cfg, in), CapabilityIAM)
}
