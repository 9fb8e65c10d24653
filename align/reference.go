package align

import (
	"context"
	"fmt"
	"log"

	"github.com/Qinglin520/pose-refine/icp"
)

// LoadReference reads the reference surface from reference.path, or fetches
// it from reference.url with fetcher when no path is set. A nil fetcher uses
// the defaults.
func LoadReference(ctx context.Context, cfg ReferenceConfig, fetcher *CloudFetcher) (*CloudData, error) {
	if cfg.Path != "" {
		ref, err := LoadCloudFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("loading reference: %w", err)
		}
		log.Printf("[REFERENCE] loaded %d points from %s (normals: %v)", len(ref.Points), cfg.Path, ref.HasNormals())
		return ref, nil
	}
	if cfg.URL != "" {
		if fetcher == nil {
			fetcher = NewCloudFetcher(FetchConfig{}, nil)
		}
		ref, err := fetcher.Fetch(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("fetching reference: %w", err)
		}
		log.Printf("[REFERENCE] fetched %d points from %s (normals: %v)", len(ref.Points), cfg.URL, ref.HasNormals())
		return ref, nil
	}
	return nil, fmt.Errorf("reference has neither path nor url")
}

// BuildScene turns the reference cloud into a nearest-neighbour scene. Normals
// are estimated with k neighbours when the cloud has none or when
// estimateNormals is set; the estimated normals are stored back on ref.
func BuildScene(dev icp.Device, ref *CloudData, cfg ReferenceConfig, k int) (*icp.KDTreeScene, error) {
	if ref == nil || len(ref.Points) == 0 {
		return nil, fmt.Errorf("reference cloud is empty")
	}

	if !ref.HasNormals() || cfg.EstimateNormals {
		if k <= 0 {
			k = DefaultNormalNeighbors
		}
		normals, err := icp.EstimateNormals(dev, ref.Points, k, icp.Vec3{})
		if err != nil {
			return nil, fmt.Errorf("estimating reference normals: %w", err)
		}
		ref.Normals = normals
		log.Printf("[REFERENCE] estimated %d normals (k=%d)", len(normals), k)
	}

	scene, err := icp.NewKDTreeScene(ref.Points, ref.Normals, cfg.MaxDistance)
	if err != nil {
		return nil, fmt.Errorf("building reference scene: %w", err)
	}
	return scene, nil
}
