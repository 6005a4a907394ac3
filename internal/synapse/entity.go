package synapse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
)

const (
	// maxChildPages bounds how many pages of children one call follows.
	maxChildPages = 20
)

var synapseIDPattern = regexp.MustCompile(`(?i)^syn\d+$`)

// childTypes are the entity types listed by Children.
var childTypes = []string{
	"file", "folder", "table", "entityview", "dockerrepo", "submissionview",
	"dataset", "datasetcollection", "materializedview", "virtualtable",
}

// NormalizeID validates a Synapse ID such as "syn123" and returns it
// with a lower-case prefix.
func NormalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if !synapseIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: invalid Synapse ID %q", apperrors.ErrInvalidInput, id)
	}

	return "syn" + id[3:], nil
}

// EntityType shortens a concreteType such as
// "org.sagebionetworks.repo.model.FileEntity" to "file".
func EntityType(concreteType string) string {
	name := concreteType
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}

	if trimmed := strings.TrimSuffix(name, "Entity"); trimmed != "" {
		name = trimmed
	}

	return strings.ToLower(name)
}

// IsContainer reports whether entities of this type have children.
func IsContainer(entityType string) bool {
	return entityType == "project" || entityType == "folder"
}

// GetEntity returns entity metadata with an added "type" field.
func (c *Client) GetEntity(ctx context.Context, token, id string) (map[string]any, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, http.MethodGet, "/entity/"+id, token, nil)
	if err != nil {
		return nil, fmt.Errorf("getting entity %s: %w", id, err)
	}

	entity, err := decode(raw, "entity")
	if err != nil {
		return nil, err
	}

	entity["type"] = EntityType(gjson.GetBytes(raw, "concreteType").String())

	return entity, nil
}

// Annotations returns an entity's annotations as key/value pairs.
// Single-valued annotations become scalars; values are typed from the
// annotation's declared type.
func (c *Client) Annotations(ctx context.Context, token, id string) (map[string]any, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, http.MethodGet, "/entity/"+id+"/annotations2", token, nil)
	if err != nil {
		return nil, fmt.Errorf("getting annotations for %s: %w", id, err)
	}

	out := make(map[string]any)

	gjson.GetBytes(raw, "annotations").ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = annotationValue(value)
		return true
	})

	return out, nil
}

func annotationValue(v gjson.Result) any {
	typ := v.Get("type").String()

	convert := func(r gjson.Result) any {
		switch typ {
		case "LONG", "TIMESTAMP_MS":
			return r.Int()
		case "DOUBLE":
			return r.Float()
		case "BOOLEAN":
			return r.Bool()
		default:
			return r.String()
		}
	}

	values := v.Get("value").Array()
	if len(values) == 1 {
		return convert(values[0])
	}

	list := make([]any, 0, len(values))
	for _, r := range values {
		list = append(list, convert(r))
	}

	return list
}

// Provenance returns the activity that generated an entity, optionally
// at a specific version. A version of zero means the current version.
func (c *Client) Provenance(ctx context.Context, token, id string, version int) (map[string]any, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}

	if version < 0 {
		return nil, fmt.Errorf("%w: version must be a positive integer", apperrors.ErrInvalidInput)
	}

	path := "/entity/" + id + "/generatedBy"
	if version > 0 {
		path = "/entity/" + id + "/version/" + strconv.Itoa(version) + "/generatedBy"
	}

	raw, err := c.do(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return nil, fmt.Errorf("getting provenance for %s: %w", id, err)
	}

	return decode(raw, "activity")
}

// Child is one entry of a container listing.
type Child struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	VersionNumber int64  `json:"version_number,omitempty"`
	ModifiedOn    string `json:"modified_on,omitempty"`
}

type childrenRequest struct {
	ParentID      string   `json:"parentId"`
	IncludeTypes  []string `json:"includeTypes"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
}

// Children lists the entities inside a project or folder, following
// pagination up to a fixed page limit.
func (c *Client) Children(ctx context.Context, token, parentID string) ([]Child, error) {
	parentID, err := NormalizeID(parentID)
	if err != nil {
		return nil, err
	}

	req := childrenRequest{ParentID: parentID, IncludeTypes: childTypes}
	children := []Child{}

	for range maxChildPages {
		raw, err := c.do(ctx, http.MethodPost, "/entity/children", token, req)
		if err != nil {
			return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
		}

		for _, item := range gjson.GetBytes(raw, "page").Array() {
			children = append(children, Child{
				ID:            item.Get("id").String(),
				Name:          item.Get("name").String(),
				Type:          EntityType(item.Get("type").String()),
				VersionNumber: item.Get("versionNumber").Int(),
				ModifiedOn:    item.Get("modifiedOn").String(),
			})
		}

		req.NextPageToken = gjson.GetBytes(raw, "nextPageToken").String()
		if req.NextPageToken == "" {
			break
		}
	}

	return children, nil
}

// rawJSON decodes a gjson value into plain Go values.
func rawJSON(r gjson.Result, dst any) error {
	if !r.Exists() {
		return nil
	}

	if err := json.Unmarshal([]byte(r.Raw), dst); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrAPIResponse, err)
	}

	return nil
}
