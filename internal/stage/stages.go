package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
	"github.com/timmy/reelpilot/internal/service"
	"github.com/timmy/reelpilot/internal/storage"
)

// AccountScheduler is the part of the account scheduler the publish stage needs.
type AccountScheduler interface {
	NextAccount(ctx context.Context, platform string, strategy service.Strategy) (domain.Account, error)
	RecordUsage(ctx context.Context, accountID string, success bool, errText string) error
	RecordRateLimit(ctx context.Context, accountID string, resetAt time.Time, errText string) error
	// Release frees the account without recording an outcome.
	Release(ctx context.Context, accountID string)
}

// Deps are the collaborators of the standard stages.
type Deps struct {
	Writer          ScriptWriter
	Images          ImageGenerator
	Speech          SpeechSynthesizer
	Storage         storage.ObjectStorage
	Scheduler       AccountScheduler
	Publisher       Publisher
	DefaultStrategy service.Strategy
	// Parallelism bounds in-flight items in the image and audio stages. 0 or 1 is sequential.
	Parallelism int
}

// Standard returns the production pipeline: script, images, audio, assembly, publish.
func Standard(d Deps) []service.Stage {
	return []service.Stage{
		{ID: domain.StageScript, Action: d.script},
		{ID: domain.StageImages, Action: d.images},
		{ID: domain.StageAudio, Action: d.audio},
		{ID: domain.StageAssembly, Action: d.assembly},
		{ID: domain.StagePublish, Action: d.publish},
	}
}

func (d Deps) script(ctx context.Context, sc *service.StageContext) error {
	spec := sc.Spec()
	if strings.TrimSpace(spec.Topic) == "" {
		return fmt.Errorf("%w: job has no topic", domain.ErrInvalidInput)
	}

	sc.Report(10, "writing script")
	script, err := d.Writer.WriteScript(ctx, spec)
	if err != nil {
		return err
	}
	if script.Title == "" {
		script.Title = spec.Title
	}

	data, err := json.Marshal(script)
	if err != nil {
		return fmt.Errorf("encode script: %w", err)
	}
	key := storage.ArtifactKey(sc.JobID(), domain.ArtifactScript, -1, "json")
	url, err := storage.PutBytes(ctx, d.Storage, key, data, "application/json")
	if err != nil {
		return err
	}

	sc.AddArtifact(domain.Artifact{
		Kind: domain.ArtifactScript,
		Item: -1,
		Key:  key,
		URL:  url,
		Meta: map[string]string{
			"title":       script.Title,
			"description": script.Description,
			"hashtags":    strings.Join(script.Hashtags, ","),
		},
	})
	for i, scene := range script.Scenes {
		sc.AddArtifact(domain.Artifact{
			Kind: domain.ArtifactScene,
			Item: i,
			Meta: map[string]string{"narration": scene.Narration, "image_prompt": scene.ImagePrompt},
		})
	}
	sc.Log("script %q with %d scenes", script.Title, len(script.Scenes))
	return nil
}

func (d Deps) images(ctx context.Context, sc *service.StageContext) error {
	scenes := sc.Artifacts(domain.ArtifactScene)
	if len(scenes) == 0 {
		return errors.New("no scenes to illustrate")
	}

	summary, err := service.ForEachItemParallel(ctx, sc, scenes, d.Parallelism, func(ctx context.Context, _ int, scene domain.Artifact) error {
		img, err := d.Images.GenerateImage(ctx, scene.Meta["image_prompt"])
		if err != nil {
			return err
		}
		key := storage.ArtifactKey(sc.JobID(), domain.ArtifactImage, scene.Item, img.Format)
		url, err := storage.PutBytes(ctx, d.Storage, key, img.Data, img.ContentType())
		if err != nil {
			return err
		}
		sc.AddArtifact(domain.Artifact{
			Kind: domain.ArtifactImage,
			Item: scene.Item,
			Key:  key,
			URL:  url,
			Meta: map[string]string{
				"format": img.Format,
				"width":  strconv.Itoa(img.Width),
				"height": strconv.Itoa(img.Height),
			},
		})
		return nil
	})
	if err != nil {
		return err
	}
	sc.Log("%d/%d images generated", summary.Succeeded, summary.Total)
	return nil
}

func (d Deps) audio(ctx context.Context, sc *service.StageContext) error {
	scenes := sc.Artifacts(domain.ArtifactScene)
	if len(scenes) == 0 {
		return errors.New("no scenes to narrate")
	}
	voice := sc.Spec().Voice

	summary, err := service.ForEachItemParallel(ctx, sc, scenes, d.Parallelism, func(ctx context.Context, _ int, scene domain.Artifact) error {
		clip, err := d.Speech.Synthesize(ctx, scene.Meta["narration"], voice)
		if err != nil {
			return err
		}
		key := storage.ArtifactKey(sc.JobID(), domain.ArtifactAudio, scene.Item, clip.Ext())
		url, err := storage.PutBytes(ctx, d.Storage, key, clip.Data, clip.ContentType)
		if err != nil {
			return err
		}
		sc.AddArtifact(domain.Artifact{Kind: domain.ArtifactAudio, Item: scene.Item, Key: key, URL: url})
		return nil
	})
	if err != nil {
		return err
	}
	sc.Log("%d/%d narration clips generated", summary.Succeeded, summary.Total)
	return nil
}

// Manifest is the render plan handed to the video assembler.
type Manifest struct {
	JobID          string          `json:"job_id"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Hashtags       []string        `json:"hashtags,omitempty"`
	Scenes         []ManifestScene `json:"scenes"`
	CompleteScenes int             `json:"complete_scenes"`
}

// ManifestScene is one scene of the manifest. A missing asset leaves its URL empty.
type ManifestScene struct {
	Index     int    `json:"index"`
	Narration string `json:"narration"`
	ImageURL  string `json:"image_url,omitempty"`
	AudioURL  string `json:"audio_url,omitempty"`
}

func (d Deps) assembly(ctx context.Context, sc *service.StageContext) error {
	manifest := buildManifest(sc)
	if len(manifest.Scenes) == 0 {
		return errors.New("no scene has an image, nothing to assemble")
	}
	if manifest.CompleteScenes < len(sc.Artifacts(domain.ArtifactScene)) {
		sc.Warn("assembling %d complete scenes out of %d", manifest.CompleteScenes, len(sc.Artifacts(domain.ArtifactScene)))
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	key := storage.ArtifactKey(sc.JobID(), domain.ArtifactManifest, -1, "json")
	url, err := storage.PutBytes(ctx, d.Storage, key, data, "application/json")
	if err != nil {
		return err
	}
	sc.AddArtifact(domain.Artifact{
		Kind: domain.ArtifactManifest,
		Item: -1,
		Key:  key,
		URL:  url,
		Meta: map[string]string{"scenes": strconv.Itoa(len(manifest.Scenes)), "complete_scenes": strconv.Itoa(manifest.CompleteScenes)},
	})
	sc.Report(100, fmt.Sprintf("manifest with %d scenes", len(manifest.Scenes)))
	return nil
}

// buildManifest keeps scenes that have an image, in scene order.
func buildManifest(sc *service.StageContext) Manifest {
	m := Manifest{JobID: sc.JobID(), Title: sc.Spec().Title}
	if scripts := sc.Artifacts(domain.ArtifactScript); len(scripts) > 0 {
		meta := scripts[len(scripts)-1].Meta
		if meta["title"] != "" {
			m.Title = meta["title"]
		}
		m.Description = meta["description"]
		if tags := meta["hashtags"]; tags != "" {
			m.Hashtags = strings.Split(tags, ",")
		}
	}

	images := byItem(sc.Artifacts(domain.ArtifactImage))
	audio := byItem(sc.Artifacts(domain.ArtifactAudio))
	for _, scene := range sc.Artifacts(domain.ArtifactScene) {
		img, ok := images[scene.Item]
		if !ok {
			continue
		}
		ms := ManifestScene{Index: scene.Item, Narration: scene.Meta["narration"], ImageURL: img.URL}
		if a, ok := audio[scene.Item]; ok {
			ms.AudioURL = a.URL
			m.CompleteScenes++
		}
		m.Scenes = append(m.Scenes, ms)
	}
	return m
}

func byItem(list []domain.Artifact) map[int]domain.Artifact {
	out := make(map[int]domain.Artifact, len(list))
	for _, a := range list {
		out[a.Item] = a
	}
	return out
}

func (d Deps) publish(ctx context.Context, sc *service.StageContext) error {
	spec := sc.Spec()
	if len(spec.Targets) == 0 {
		sc.Log("no publish targets")
		return nil
	}
	manifests := sc.Artifacts(domain.ArtifactManifest)
	if len(manifests) == 0 {
		return errors.New("no manifest to publish")
	}
	manifest := manifests[len(manifests)-1]

	post := Post{JobID: sc.JobID(), Title: spec.Title, ManifestURL: manifest.URL}
	if scripts := sc.Artifacts(domain.ArtifactScript); len(scripts) > 0 {
		meta := scripts[len(scripts)-1].Meta
		if meta["title"] != "" {
			post.Title = meta["title"]
		}
		post.Description = meta["description"]
		if tags := meta["hashtags"]; tags != "" {
			post.Hashtags = strings.Split(tags, ",")
		}
	}

	summary, err := service.ForEachItem(ctx, sc, spec.Targets, func(ctx context.Context, i int, target domain.PublishTarget) error {
		return d.publishTarget(ctx, sc, i, target, post)
	})
	if err != nil {
		return err
	}
	sc.Log("published to %d/%d targets", summary.Succeeded, summary.Total)
	return nil
}

func (d Deps) publishTarget(ctx context.Context, sc *service.StageContext, i int, target domain.PublishTarget, post Post) error {
	strategy := d.DefaultStrategy
	if target.Strategy != "" {
		parsed, err := service.ParseStrategy(target.Strategy)
		if err != nil {
			return err
		}
		strategy = parsed
	}

	acc, err := d.Scheduler.NextAccount(ctx, target.Platform, strategy)
	if err != nil {
		return err
	}

	receipt, err := d.Publisher.Publish(ctx, target.Platform, acc, post)
	if err != nil {
		var rl *domain.RateLimitError
		switch {
		case ctx.Err() != nil:
			// interrupted, not the account's fault; the lease runs out on its own
		case errors.Is(err, domain.ErrInvalidInput):
			// local misconfiguration; the account never reached the platform
			d.Scheduler.Release(ctx, acc.ID)
		case errors.As(err, &rl):
			if recErr := d.Scheduler.RecordRateLimit(ctx, acc.ID, rl.ResetAt, rl.Error()); recErr != nil {
				logger.CtxWarn(ctx, "Failed to record rate limit for %s: %v", acc.ID, recErr)
			}
		default:
			if recErr := d.Scheduler.RecordUsage(ctx, acc.ID, false, err.Error()); recErr != nil {
				logger.CtxWarn(ctx, "Failed to record usage for %s: %v", acc.ID, recErr)
			}
		}
		return fmt.Errorf("%s via %s: %w", target.Platform, acc.Name, err)
	}

	if recErr := d.Scheduler.RecordUsage(ctx, acc.ID, true, ""); recErr != nil {
		logger.CtxWarn(ctx, "Failed to record usage for %s: %v", acc.ID, recErr)
	}
	logger.CtxInfo(ctx, "Published to %s via %s", target.Platform, acc.Name)
	sc.AddArtifact(domain.Artifact{
		Kind: domain.ArtifactPost,
		Item: i,
		Key:  receipt.PostID,
		URL:  receipt.URL,
		Meta: map[string]string{"platform": target.Platform, "account_id": acc.ID},
	})
	return nil
}
