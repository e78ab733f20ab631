package tokenizer

import "strings"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (t *Tokenizer) ChatTemplateExists() bool {
	return t.ChatTemplate != ""
}

// ApplyChatTemplate renders a conversation as text. The Jinja template in
// the checkpoint is only inspected to pick the matching prompt family.
func (t *Tokenizer) ApplyChatTemplate(messages []Message) (string, error) {
	if !t.ChatTemplateExists() {
		return "", ErrNoChatTemplate
	}

	var sb strings.Builder
	switch {
	case strings.Contains(t.ChatTemplate, "<|start_header_id|>"):
		sb.WriteString("<|begin_of_text|>")
		for _, m := range messages {
			sb.WriteString("<|start_header_id|>" + m.Role + "<|end_header_id|>\n\n")
			sb.WriteString(strings.TrimSpace(m.Content) + "<|eot_id|>")
		}
	case strings.Contains(t.ChatTemplate, "[INST]"):
		sb.WriteString("<s>")
		for _, m := range messages {
			if m.Role == "assistant" {
				sb.WriteString(" " + strings.TrimSpace(m.Content) + "</s>")
				continue
			}
			sb.WriteString("[INST] " + strings.TrimSpace(m.Content) + " [/INST]")
		}
	default:
		for _, m := range messages {
			sb.WriteString("<|im_start|>" + m.Role + "\n" + m.Content + "<|im_end|>\n")
		}
	}
	return sb.String(), nil
}
