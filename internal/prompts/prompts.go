package prompts

import (
	"fmt"
	"strings"
)

// ============================================================================
// Script Prompts (LLM)
// ============================================================================

// ScriptSystemPrompt defines the role and output contract for script generation.
const ScriptSystemPrompt = `You are a short-form video scriptwriter. You write scripts for vertical videos
of 15 to 180 seconds that are narrated over a sequence of still images.

[Rules]
- Split the script into scenes. Each scene has one narration line and one image prompt.
- Narration is spoken text only: no stage directions, no emojis, no hashtags.
- Image prompts describe a single still frame: subject, setting, lighting, style. No text in the image.
- Keep the whole narration within the requested duration at about 2.5 spoken words per second.

[Output]
Return only a JSON object, without markdown fences:
{"title": "...", "description": "...", "hashtags": ["..."], "scenes": [{"narration": "...", "image_prompt": "..."}]}`

// ScriptRequest is what the user prompt is built from.
type ScriptRequest struct {
	Topic           string
	Title           string
	Language        string
	DurationSeconds int
	SceneCount      int
}

// ScriptUserPrompt renders the per-job instructions.
func ScriptUserPrompt(req ScriptRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", req.Topic)
	if req.Title != "" {
		fmt.Fprintf(&b, "Working title: %s\n", req.Title)
	}
	language := req.Language
	if language == "" {
		language = "English"
	}
	fmt.Fprintf(&b, "Language: %s\n", language)
	if req.DurationSeconds > 0 {
		fmt.Fprintf(&b, "Target duration: %d seconds\n", req.DurationSeconds)
	}
	if req.SceneCount > 0 {
		fmt.Fprintf(&b, "Number of scenes: exactly %d\n", req.SceneCount)
	}
	b.WriteString("\nWrite the script now.")
	return b.String()
}

// ============================================================================
// Image Prompts
// ============================================================================

// ImageStyleSuffix is appended to every scene image prompt.
const ImageStyleSuffix = "vertical 9:16 composition, high detail, cinematic lighting, no text, no watermark"

// ImageNegativePrompt is sent to generators that accept a negative prompt.
const ImageNegativePrompt = "text, letters, watermark, logo, blurry, lowres, deformed hands, extra limbs"

// ImagePrompt combines a scene prompt with the house style.
func ImagePrompt(scenePrompt string) string {
	scenePrompt = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(scenePrompt), "."))
	if scenePrompt == "" {
		return ImageStyleSuffix
	}
	return scenePrompt + ", " + ImageStyleSuffix
}
