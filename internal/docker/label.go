package docker

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmr-tortoise/buildctx/internal/model"
)

// Image label keys. buildctx labels every image it builds so that "list"
// can find them later without any state outside the daemon.
const (
	// LabelPrefix namespaces buildctx labels away from labels set by the
	// Dockerfile itself or by other tools.
	LabelPrefix = "buildctx."

	// LabelManagedBy marks images built by buildctx. It is the label the
	// list filter matches on.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelRunID ties an image to the history record of the run that
	// built it.
	LabelRunID = LabelPrefix + "run-id"

	// LabelCreatedAt is the RFC 3339 UTC time the build started.
	LabelCreatedAt = LabelPrefix + "created-at"

	// LabelSource is the absolute path of the mirrored source tree.
	LabelSource = LabelPrefix + "source"

	// LabelRevision is the standard OCI annotation for the source commit.
	LabelRevision = "org.opencontainers.image.revision"
)

// ManagedByValue is the value of LabelManagedBy on every buildctx image.
const ManagedByValue = "buildctx"

// BuildInfo is the run metadata encoded into image labels.
type BuildInfo struct {
	RunID     string
	Source    string
	Revision  string
	CreatedAt time.Time
}

// BuildLabels returns the label set for an image. User labels are applied
// first so they can never override the buildctx-owned keys.
func BuildLabels(info BuildInfo, user map[string]string) map[string]string {
	labels := make(map[string]string, len(user)+5)
	for k, v := range user {
		labels[k] = v
	}

	labels[LabelManagedBy] = ManagedByValue
	labels[LabelRunID] = info.RunID
	labels[LabelCreatedAt] = info.CreatedAt.UTC().Format(time.RFC3339)
	if info.Source != "" {
		labels[LabelSource] = info.Source
	}
	if info.Revision != "" {
		labels[LabelRevision] = info.Revision
	}
	return labels
}

// ParseLabels recovers BuildInfo from an image's labels. It is the inverse
// of BuildLabels for the buildctx-owned keys.
func ParseLabels(labels map[string]string) (BuildInfo, error) {
	var info BuildInfo

	var missing []string
	for _, key := range []string{LabelManagedBy, LabelRunID, LabelCreatedAt} {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return info, fmt.Errorf("missing required labels: %s", strings.Join(missing, ", "))
	}

	if v := labels[LabelManagedBy]; v != ManagedByValue {
		return info, fmt.Errorf("label %s has unexpected value %q (expected %q)", LabelManagedBy, v, ManagedByValue)
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return info, fmt.Errorf("invalid %s label: %w", LabelCreatedAt, err)
	}

	info.RunID = labels[LabelRunID]
	info.CreatedAt = createdAt
	info.Source = labels[LabelSource]
	info.Revision = labels[LabelRevision]
	return info, nil
}

// FilterLabels returns the label selector for images built by buildctx.
func FilterLabels() map[string]string {
	return map[string]string{LabelManagedBy: ManagedByValue}
}

// FormatLabels renders labels as sorted key=value pairs for logs.
func FormatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

// toImageInfo converts listing data plus labels into the domain type.
func toImageInfo(id string, tags []string, size int64, labels map[string]string) (model.ImageInfo, error) {
	info, err := ParseLabels(labels)
	if err != nil {
		return model.ImageInfo{}, err
	}
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return model.ImageInfo{
		ID:        id,
		Tags:      sorted,
		RunID:     info.RunID,
		Revision:  info.Revision,
		CreatedAt: info.CreatedAt,
		Size:      size,
	}, nil
}
