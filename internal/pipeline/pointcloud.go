package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mafalana/geoproc/internal/domain"
	"github.com/mafalana/geoproc/internal/lidar"
	"github.com/mafalana/geoproc/internal/storage"
)

const previewSampleCap = 200_000

// processPointCloud runs the point-cloud step sequence: metadata extraction,
// a best-effort preview, the web-format conversion, and the derived-tree
// upload. The parent project is written exactly once, after the final step
// succeeds, so an aborted run leaves it untouched.
func (p *Processor) processPointCloud(ctx context.Context, r *run) error {
	job := r.job

	if err := p.checkpoint(ctx, job.ID); err != nil {
		return err
	}
	project, err := p.loadProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}

	p.progress(ctx, job.ID, "metadata", "Extracting point cloud metadata...")
	local, err := p.ensureLocalSource(ctx, r)
	if err != nil {
		return err
	}
	meta, err := lidar.Summarize(local, p.tools.SampleRate)
	if err != nil {
		return fmt.Errorf("extract metadata: %w", err)
	}
	project.PointCount = meta.PointCount
	if project.CRS != nil && project.CRS.EPSG != "" {
		lat, lon, terr := p.transformToWGS84(ctx, project.CRS.EPSG, meta.CenterX, meta.CenterY)
		if terr != nil {
			p.logger.Printf("job %s: center transform failed: %v", job.ID, terr)
		} else {
			project.Location = &domain.Location{Lat: lat, Lon: lon, Z: meta.CenterZ}
		}
	}

	if err := p.checkpoint(ctx, job.ID); err != nil {
		return err
	}
	p.progress(ctx, job.ID, "preview", "Generating preview image...")
	if url, perr := p.uploadPointCloudPreview(ctx, r, local, meta, project.ID); perr != nil {
		p.logger.Printf("job %s: preview generation failed: %v", job.ID, perr)
	} else {
		project.Thumbnail = url
	}

	if err := p.checkpoint(ctx, job.ID); err != nil {
		return err
	}
	p.progress(ctx, job.ID, "conversion", "Converting to web-viewable format...")
	outDir, err := p.runPointCloudConverter(ctx, r, local, project)
	if err != nil {
		return err
	}

	if err := p.checkpoint(ctx, job.ID); err != nil {
		return err
	}
	p.progress(ctx, job.ID, "upload", "Uploading converted files...")
	cloudURL, err := p.uploadDerivedTree(ctx, r, outDir, project.ID)
	if err != nil {
		return err
	}

	if err := p.checkpoint(ctx, job.ID); err != nil {
		return err
	}
	project.CloudURL = cloudURL
	if err := p.projects.UpdateProject(ctx, project); err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// ensureLocalSource returns a local path to the job's input file. API-side
// uploads land directly in the work directory; jobs resumed after a restart
// re-fetch the source blob instead.
func (p *Processor) ensureLocalSource(ctx context.Context, r *run) (string, error) {
	if r.job.WorkPath != "" {
		if _, err := os.Stat(r.job.WorkPath); err == nil {
			return r.job.WorkPath, nil
		}
	}
	if r.job.SourceKey == "" {
		return "", fmt.Errorf("job %s has no source file", r.job.ID)
	}
	dir, err := os.MkdirTemp(p.tools.WorkDir, "geoproc-"+r.job.ID+"-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	r.trackPath(dir)
	local := filepath.Join(dir, path.Base(r.job.SourceKey))
	if err := p.blobs.Download(ctx, r.job.SourceKey, local); err != nil {
		return "", fmt.Errorf("download source %s: %w", r.job.SourceKey, err)
	}
	r.trackKey(r.job.SourceKey)
	return local, nil
}

func (p *Processor) uploadPointCloudPreview(ctx context.Context, r *run, local string, meta lidar.Metadata, projectID string) (string, error) {
	if meta.Compressed {
		return "", fmt.Errorf("compressed point records, skipping preview")
	}
	h, err := lidar.ReadHeader(local)
	if err != nil {
		return "", err
	}
	pts, err := lidar.SamplePoints(local, h, p.tools.SampleRate, previewSampleCap)
	if err != nil {
		return "", err
	}
	img, err := lidar.RenderPreview(pts, h.HasRGB(), p.tools.PreviewSize)
	if err != nil {
		return "", err
	}

	key := path.Join(projectID, "thumbnail.png")
	if err := p.blobs.UploadBytes(ctx, key, img, storage.ContentTypeFor(key)); err != nil {
		return "", fmt.Errorf("upload preview: %w", err)
	}
	r.trackUpload(key)
	return p.blobs.SignedURL(ctx, key, p.tools.SignedURLTTL)
}

// runPointCloudConverter invokes the external converter and verifies the
// output descriptor exists. Exit code zero alone is not success.
func (p *Processor) runPointCloudConverter(ctx context.Context, r *run, local string, project domain.Project) (string, error) {
	if p.tools.PotreeConverter == "" {
		return "", fmt.Errorf("point cloud converter is not configured")
	}
	if project.CRS == nil || project.CRS.Proj4 == "" {
		return "", fmt.Errorf("project %s has no proj4 definition; set the project CRS before converting", project.ID)
	}

	outDir, err := os.MkdirTemp(p.tools.WorkDir, "potree-"+r.job.ID+"-")
	if err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	r.trackPath(outDir)

	// The converter resolves its page templates relative to its own binary,
	// so the working directory must be the binary's directory.
	_, err = p.runner.Run(ctx, Command{
		Name:    p.tools.PotreeConverter,
		Args:    []string{local, "-o", outDir, "--overwrite", "--projection", project.CRS.Proj4},
		Dir:     filepath.Dir(p.tools.PotreeConverter),
		Timeout: p.tools.ConvertTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("point cloud conversion: %w", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "metadata.json")); err != nil {
		return "", fmt.Errorf("point cloud conversion produced no metadata.json")
	}
	return outDir, nil
}

// uploadDerivedTree mirrors the converter output under the project prefix and
// returns a signed URL for the viewer entry point. Keys are tracked as they
// upload so a mid-upload abort can remove the partial set.
func (p *Processor) uploadDerivedTree(ctx context.Context, r *run, outDir, projectID string) (string, error) {
	keys, err := p.blobs.UploadTree(ctx, outDir, projectID)
	r.trackUpload(keys...)
	if err != nil {
		return "", fmt.Errorf("upload converted files: %w", err)
	}
	metaKey := path.Join(projectID, "metadata.json")
	if !containsKey(keys, metaKey) {
		return "", fmt.Errorf("converted tree is missing metadata.json")
	}
	return p.blobs.SignedURL(ctx, metaKey, p.tools.SignedURLTTL)
}

func containsKey(keys []string, want string) bool {
	for _, k := range keys {
		if k == want || strings.HasSuffix(k, "/"+want) {
			return true
		}
	}
	return false
}
