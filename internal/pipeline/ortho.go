package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mafalana/geoproc/internal/domain"
)

// worldFileExts are the sidecar extensions that can carry georeferencing for
// a raster that lacks embedded geotags. Whichever is present next to the
// source blob rides along into the work directory.
var worldFileExts = []string{".tfw", ".wld", ".jgw", ".pgw"}

// processOrtho runs the raster overlay sequence: fetch, validate, derive the
// footprint bounds, convert to a cloud-optimized GeoTIFF, and publish the
// overlay plus a best-effort preview onto the parent project.
func (p *Processor) processOrtho(ctx context.Context, r *run) error {
	job := r.job

	if err := p.checkpoint(ctx, job.ID); err != nil {
		return err
	}
	project, err := p.loadProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}

	p.progress(ctx, job.ID, "download", "Downloading source raster...")
	local, err := p.fetchRasterWithSidecars(ctx, r)
	if err != nil {
		return err
	}

	if err := p.checkpoint(ctx, job.ID); err != nil {
		return err
	}
	p.progress(ctx, job.ID, "validate", "Validating georeferenced raster...")
	if _, err := p.runner.Run(ctx, Command{
		Name:    p.tools.GDALInfo,
		Args:    []string{local},
		Timeout: p.tools.ValidateTimeout,
	}); err != nil {
		return fmt.Errorf("raster validation: %w", err)
	}

	if err := p.checkpoint(ctx, job.ID); err != nil {
		return err
	}
	p.progress(ctx, job.ID, "convert", "Converting to map overlay format...")
	bounds, err := p.rasterBounds(ctx, local)
	if err != nil {
		return err
	}
	cog, err := p.convertToCOG(ctx, local)
	if err != nil {
		return err
	}

	if err := p.checkpoint(ctx, job.ID); err != nil {
		return err
	}
	p.progress(ctx, job.ID, "upload", "Uploading map overlay...")
	ortho, err := p.uploadOrtho(ctx, r, cog, project.ID)
	if err != nil {
		return err
	}
	ortho.Bounds = bounds

	if err := p.checkpoint(ctx, job.ID); err != nil {
		return err
	}
	project.Ortho = ortho
	if err := p.projects.UpdateProject(ctx, project); err != nil {
		return fmt.Errorf("update project with overlay: %w", err)
	}
	return nil
}

// fetchRasterWithSidecars downloads the source raster and any world file
// stored beside it. The sidecar must keep the raster's basename for GDAL to
// pick it up.
func (p *Processor) fetchRasterWithSidecars(ctx context.Context, r *run) (string, error) {
	local, err := p.ensureLocalSource(ctx, r)
	if err != nil {
		return "", err
	}

	srcExt := path.Ext(r.job.SourceKey)
	base := strings.TrimSuffix(r.job.SourceKey, srcExt)
	for _, ext := range worldFileExts {
		key := base + ext
		ok, err := p.blobs.ObjectExists(ctx, key)
		if err != nil {
			p.logger.Printf("job %s: sidecar check %s: %v", r.job.ID, key, err)
			continue
		}
		if !ok {
			continue
		}
		dst := strings.TrimSuffix(local, filepath.Ext(local)) + ext
		if err := p.blobs.Download(ctx, key, dst); err != nil {
			p.logger.Printf("job %s: sidecar download %s: %v", r.job.ID, key, err)
			continue
		}
		r.trackPath(dst)
		r.trackKey(key)
	}
	return local, nil
}

// convertToCOG rewrites the raster as a tiled, JPEG-compressed
// cloud-optimized GeoTIFF next to the input.
func (p *Processor) convertToCOG(ctx context.Context, local string) (string, error) {
	out := strings.TrimSuffix(local, filepath.Ext(local)) + "_cog.tif"
	_, err := p.runner.Run(ctx, Command{
		Name: p.tools.GDALTranslate,
		Args: []string{
			"-of", "COG",
			"-co", "COMPRESS=JPEG",
			"-co", "QUALITY=85",
			"-co", "TILED=YES",
			"-co", "BLOCKSIZE=512",
			local, out,
		},
		Timeout: p.tools.ConvertTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("overlay conversion: %w", err)
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("overlay conversion produced no output")
	}
	return out, nil
}

func (p *Processor) uploadOrtho(ctx context.Context, r *run, cog, projectID string) (*domain.Ortho, error) {
	key := path.Join(projectID, "ortho", "ortho.tif")
	if err := p.blobs.Upload(ctx, cog, key); err != nil {
		return nil, fmt.Errorf("upload overlay: %w", err)
	}
	r.trackUpload(key)
	url, err := p.blobs.SignedURL(ctx, key, p.tools.SignedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("sign overlay URL: %w", err)
	}
	ortho := &domain.Ortho{URL: url}

	// Preview is best-effort; the overlay stands without it.
	thumb := strings.TrimSuffix(cog, filepath.Ext(cog)) + "_thumb.png"
	if _, err := p.runner.Run(ctx, Command{
		Name:    p.tools.GDALTranslate,
		Args:    []string{"-of", "PNG", "-outsize", "512", "0", cog, thumb},
		Timeout: p.tools.PreviewTimeout,
	}); err != nil {
		p.logger.Printf("job %s: overlay preview failed: %v", r.job.ID, err)
		return ortho, nil
	}
	thumbKey := path.Join(projectID, "ortho", "ortho_thumbnail.png")
	if err := p.blobs.Upload(ctx, thumb, thumbKey); err != nil {
		p.logger.Printf("job %s: overlay preview upload failed: %v", r.job.ID, err)
		return ortho, nil
	}
	r.trackUpload(thumbKey)
	if turl, err := p.blobs.SignedURL(ctx, thumbKey, p.tools.SignedURLTTL); err == nil {
		ortho.Thumbnail = turl
	}
	return ortho, nil
}
