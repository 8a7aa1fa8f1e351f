// Package moderation is the synchronous pre-flight content gate. A match
// short-circuits the whole request with a canned steering reply at zero
// cost; it never blocks outright.
package moderation

import (
	"regexp"
	"strings"
)

// Category labels a steered request for abuse reporting.
type Category string

const (
	DangerousContent Category = "dangerous_content"
	MaliciousIntent  Category = "malicious_intent"
	IllegalContent   Category = "illegal_content"
	MedicalAdvice    Category = "medical_advice"
	LegalAdvice      Category = "legal_advice"
	FinancialAdvice  Category = "financial_advice"
	SelfHarm         Category = "self_harm"
)

type steerPattern struct {
	pattern  *regexp.Regexp
	category Category
}

var steerPatterns = []steerPattern{
	{regexp.MustCompile(`(?i)\b(how to (make|build|create) (a )?(bomb|weapon|explosive))`), DangerousContent},
	{regexp.MustCompile(`(?i)\b(hack|steal|crack) (into|from|password)`), MaliciousIntent},
	{regexp.MustCompile(`(?i)\b(illegal (drugs?|substances?))`), IllegalContent},
	{regexp.MustCompile(`(?i)\b(should i (take|stop taking) (my )?(medication|medicine))`), MedicalAdvice},
	{regexp.MustCompile(`(?i)\b(is (this|it) legal (to|if i))`), LegalAdvice},
	{regexp.MustCompile(`(?i)\b(sue|lawsuit|legal action against)`), LegalAdvice},
	{regexp.MustCompile(`(?i)\b(should i (invest|buy|sell) (stocks?|crypto|bitcoin))`), FinancialAdvice},
	{regexp.MustCompile(`(?i)\b(guaranteed (returns?|profit|money))`), FinancialAdvice},
	{regexp.MustCompile(`(?i)\b(ways? to (hurt|harm|kill) (myself|yourself))`), SelfHarm},
	{regexp.MustCompile(`(?i)\b(suicide methods?|how to end (my |it all))`), SelfHarm},
}

// Redirection, not judgment: each category maps to one fixed reply.
var steeringResponses = map[Category]string{
	DangerousContent: "I'm designed to help with creative ideation, brainstorming, and comparing AI perspectives. For safety-related questions, I'd recommend consulting official resources. How can I help you with a creative or analytical challenge instead?",
	MaliciousIntent:  "ModelMix is built to help with ideation and exploring different AI perspectives. For cybersecurity learning, I'd suggest ethical hacking courses or official certifications. What creative or analytical topic can I help you explore?",
	IllegalContent:   "I'm here to help with creative thinking and comparing AI responses. For health-related questions, please consult qualified healthcare professionals. Is there a creative project or idea I can help you develop?",
	MedicalAdvice:    "I'm not able to provide medical advice - that's best handled by healthcare professionals who know your situation. ModelMix is great for brainstorming, research comparisons, and creative ideation. What can I help you explore in those areas?",
	LegalAdvice:      "For legal questions, I'd recommend consulting with a qualified attorney who can review your specific situation. I'm better suited for creative ideation and comparing different perspectives. What ideas would you like to explore?",
	FinancialAdvice:  "Financial decisions are best made with a qualified financial advisor who understands your circumstances. I'm designed for ideation and comparing AI perspectives. What creative or analytical topic interests you?",
	SelfHarm:         "I care about your wellbeing. If you're struggling, please reach out to a crisis helpline - they're available 24/7 and can provide real support. In the meantime, I'm here if you'd like to explore creative ideas or just chat about something that interests you.",
}

// Result describes a steering decision.
type Result struct {
	Steered  bool
	Category Category
	Response string
}

// Message is the minimal view of a chat message the gate needs.
type Message struct {
	Role    string
	Content string
}

// Check scans the most recent user message, then the concatenation of all
// user messages, against the steering patterns. First matching pattern
// wins.
func Check(messages []Message) Result {
	var userContents []string
	for _, m := range messages {
		if m.Role == "user" {
			userContents = append(userContents, m.Content)
		}
	}
	if len(userContents) == 0 {
		return Result{}
	}

	last := userContents[len(userContents)-1]
	combined := strings.Join(userContents, " ")

	for _, sp := range steerPatterns {
		if sp.pattern.MatchString(last) || sp.pattern.MatchString(combined) {
			return Result{
				Steered:  true,
				Category: sp.category,
				Response: steeringResponses[sp.category],
			}
		}
	}
	return Result{}
}
