package policy

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"path"
	"sort"
	"strings"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
)

const (
	IssueManifestIDMissing      = "MANIFEST_ID_MISSING"
	IssueManifestNameMissing    = "MANIFEST_NAME_MISSING"
	IssueManifestVersionMissing = "MANIFEST_VERSION_MISSING"
	IssueBundleEmpty            = "BUNDLE_EMPTY"
	IssueArtifactKeyMissing     = "ARTIFACT_KEY_MISSING"
	IssueArtifactKeyDuplicate   = "ARTIFACT_KEY_DUPLICATE"
	IssueArtifactPathInvalid    = "ARTIFACT_PATH_INVALID"
	IssueArtifactPathOddPlace   = "ARTIFACT_PATH_UNCONVENTIONAL"
	IssueSourceMissing          = "SOURCE_MISSING"
	IssueXMLMalformed           = "XML_MALFORMED"
	IssueXMLUnexpectedRoot      = "XML_UNEXPECTED_ROOT"
	IssueFormJSONInvalid        = "FORM_JSON_INVALID"
	IssueUnreferencedFile       = "UNREFERENCED_FILE"
)

// ValidateContents checks manifest structure and artifact content of an
// unpacked bundle. Process and decision problems are errors; form problems
// are warnings because forms are verified against the registry at deploy time.
func ValidateContents(manifest model.Manifest, files map[string][]byte) []model.ValidationIssue {
	var issues []model.ValidationIssue
	add := func(issue model.ValidationIssue) { issues = append(issues, issue) }

	if strings.TrimSpace(manifest.ID) == "" {
		add(model.ValidationIssue{Severity: model.SeverityError, Code: IssueManifestIDMissing, Message: "manifest id is empty"})
	}
	if strings.TrimSpace(manifest.Name) == "" {
		add(model.ValidationIssue{Severity: model.SeverityWarning, Code: IssueManifestNameMissing, Message: "manifest name is empty"})
	}
	if strings.TrimSpace(manifest.Version) == "" {
		add(model.ValidationIssue{Severity: model.SeverityWarning, Code: IssueManifestVersionMissing, Message: "manifest version is empty"})
	}
	if manifest.TotalArtifacts() == 0 {
		add(model.ValidationIssue{Severity: model.SeverityWarning, Code: IssueBundleEmpty, Message: "bundle declares no artifacts"})
	}

	referenced := make(map[string]struct{}, manifest.TotalArtifacts())
	for _, class := range model.DeployOrder {
		seen := make(map[string]struct{})
		for _, ref := range manifest.Entries(class) {
			referenced[ref.File] = struct{}{}
			for _, issue := range validateRef(class, ref, seen, files) {
				add(issue)
			}
		}
	}

	extras := make([]string, 0)
	for name := range files {
		if name == model.ManifestFileName {
			continue
		}
		if _, ok := referenced[name]; !ok {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	for _, name := range extras {
		add(model.ValidationIssue{Severity: model.SeverityWarning, Code: IssueUnreferencedFile, Path: name, Message: "file is not referenced by the manifest"})
	}
	return issues
}

func validateRef(class model.ArtifactClass, ref model.ArtifactRef, seen map[string]struct{}, files map[string][]byte) []model.ValidationIssue {
	// Forms never fail a bundle.
	severity := model.SeverityError
	if class == model.ClassForms {
		severity = model.SeverityWarning
	}
	issue := func(sev model.IssueSeverity, code, msg string) model.ValidationIssue {
		return model.ValidationIssue{Severity: sev, Code: code, Class: class, Key: ref.Key, Path: ref.File, Message: msg}
	}

	key := strings.TrimSpace(ref.Key)
	if key == "" {
		return []model.ValidationIssue{issue(model.SeverityError, IssueArtifactKeyMissing, "artifact key is empty")}
	}
	var out []model.ValidationIssue
	if _, dup := seen[key]; dup {
		out = append(out, issue(model.SeverityError, IssueArtifactKeyDuplicate, "artifact key appears more than once"))
	}
	seen[key] = struct{}{}

	if !SafeArchivePath(ref.File) {
		return append(out, issue(model.SeverityError, IssueArtifactPathInvalid, "artifact path is empty or escapes the archive root"))
	}
	if !strings.HasPrefix(ref.File, string(class)+"/") {
		out = append(out, issue(model.SeverityWarning, IssueArtifactPathOddPlace, "artifact is stored outside the "+string(class)+"/ directory"))
	}

	data, ok := files[ref.File]
	if !ok {
		return append(out, issue(severity, IssueSourceMissing, "artifact file is not present in the archive"))
	}
	switch class {
	case model.ClassProcesses, model.ClassDecisions:
		root, err := xmlRootElement(data)
		if err != nil {
			out = append(out, issue(model.SeverityError, IssueXMLMalformed, err.Error()))
		} else if root != "definitions" {
			out = append(out, issue(model.SeverityWarning, IssueXMLUnexpectedRoot, "root element is "+root+", expected definitions"))
		}
	case model.ClassForms:
		if !json.Valid(data) {
			out = append(out, issue(model.SeverityWarning, IssueFormJSONInvalid, "form schema is not valid JSON"))
		}
	}
	return out
}

// SafeArchivePath reports whether p is a clean relative path inside the archive.
func SafeArchivePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	if clean != p || clean == "." {
		return false
	}
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

func xmlRootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	root := ""
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if start, ok := tok.(xml.StartElement); ok && root == "" {
			root = start.Name.Local
		}
	}
	if root == "" {
		return "", errors.New("document has no root element")
	}
	return root, nil
}
