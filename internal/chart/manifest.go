package chart

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestFormatError is returned when a dependency manifest does not have
// the expected structure.
type ManifestFormatError struct {
	Path   string
	Reason string
}

func (e *ManifestFormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid dependency manifest: %s", e.Reason)
	}

	return fmt.Sprintf("invalid dependency manifest %s: %s", e.Path, e.Reason)
}

// PatchManifest rewrites the version field of every dependency named in
// newVersions to its new value and returns the serialized document.
// The patch operates on the yaml node tree, key order, unrelated fields and
// comments are preserved.
// A manifest without a dependencies list, a dependency entry without name or
// version, or a chart in newVersions without a matching entry result in a
// *ManifestFormatError.
func PatchManifest(doc []byte, newVersions map[string]string) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, &ManifestFormatError{Reason: fmt.Sprintf("parsing manifest failed: %s", err)}
	}

	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &ManifestFormatError{Reason: "manifest is empty"}
	}

	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, &ManifestFormatError{Reason: "top-level document is not a mapping"}
	}

	deps := mappingValue(mapping, "dependencies")
	if deps == nil {
		return nil, &ManifestFormatError{Reason: "manifest has no dependencies list"}
	}

	if deps.Kind != yaml.SequenceNode {
		return nil, &ManifestFormatError{Reason: "dependencies is not a list"}
	}

	patched := make(map[string]struct{}, len(newVersions))

	for _, entry := range deps.Content {
		if entry.Kind != yaml.MappingNode {
			return nil, &ManifestFormatError{Reason: "dependencies list contains a non-mapping entry"}
		}

		nameNode := mappingValue(entry, "name")
		if nameNode == nil {
			return nil, &ManifestFormatError{Reason: "dependency entry has no name field"}
		}

		newVersion, exist := newVersions[nameNode.Value]
		if !exist {
			continue
		}

		versionNode := mappingValue(entry, "version")
		if versionNode == nil {
			return nil, &ManifestFormatError{
				Reason: fmt.Sprintf("dependency %q has no version field", nameNode.Value),
			}
		}

		versionNode.Kind = yaml.ScalarNode
		versionNode.Tag = "!!str"
		versionNode.Value = newVersion
		patched[nameNode.Value] = struct{}{}
	}

	for name := range newVersions {
		if _, exist := patched[name]; !exist {
			return nil, &ManifestFormatError{
				Reason: fmt.Sprintf("manifest pins no dependency named %q", name),
			}
		}
	}

	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(&root); err != nil {
		return nil, fmt.Errorf("serializing manifest failed: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("serializing manifest failed: %w", err)
	}

	return buf.Bytes(), nil
}

// UpdateManifestFile applies PatchManifest to the file at path and writes
// the result back in place.
func UpdateManifestFile(path string, newVersions map[string]string) error {
	doc, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading dependency manifest failed: %w", err)
	}

	patched, err := PatchManifest(doc, newVersions)
	if err != nil {
		var formatErr *ManifestFormatError
		if errors.As(err, &formatErr) {
			formatErr.Path = path
		}

		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("reading manifest file mode failed: %w", err)
	}

	if err := os.WriteFile(path, patched, info.Mode().Perm()); err != nil {
		return fmt.Errorf("writing dependency manifest failed: %w", err)
	}

	return nil
}

// mappingValue returns the value node for key in a mapping node, nil if the
// key does not exist.
func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}

	return nil
}
