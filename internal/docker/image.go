package docker

import (
	"context"
	"sort"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"

	"github.com/mmr-tortoise/buildctx/internal/model"
)

// ListManagedImages returns the images built by buildctx, newest first.
// Images whose labels cannot be parsed are skipped.
func (c *Client) ListManagedImages(ctx context.Context) ([]model.ImageInfo, error) {
	args := filters.NewArgs()
	for k, v := range FilterLabels() {
		args.Add("label", k+"="+v)
	}

	summaries, err := c.api.ImageList(ctx, image.ListOptions{Filters: args})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list images", err)
	}

	images := make([]model.ImageInfo, 0, len(summaries))
	for _, s := range summaries {
		info, err := toImageInfo(s.ID, s.RepoTags, s.Size, s.Labels)
		if err != nil {
			continue
		}
		images = append(images, info)
	}

	sort.SliceStable(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})
	return images, nil
}
