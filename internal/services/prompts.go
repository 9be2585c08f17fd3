package services

import (
	"fmt"
	"strings"
)

const generationSystemPrompt = "You are an expert medical educator who turns textbook chapters into structured study material for spaced repetition and exam preparation."

const studyGuideSystemPrompt = "You are an expert educator who writes focused long-form study guide sections that complement existing chapter notes."

// BuildGenerationPrompt renders a chapter into the generation request text.
// The output contract must stay in sync with models.GenerationBundle: the
// parser strips at most one code fence and otherwise expects bare JSON.
func BuildGenerationPrompt(title, text string) string {
	var b strings.Builder
	b.WriteString("Create study material for the following textbook chapter.\n\n")
	b.WriteString("Respond with a single JSON object and nothing else. Do not wrap the answer in prose or code fences. Required keys:\n")
	b.WriteString(`{"summary":"", "keyPoints":[""], "highYield":[""], "mnemonics":[{"name":"","content":""}], "memoryPalace":"", "questions":[{"question":"","options":["","","",""],"correctAnswer":0,"explanation":"","difficulty":"","category":""}], "flashcards":[{"front":"","back":"","category":""}]}`)
	b.WriteString("\n\nRequirements:\n")
	b.WriteString("- summary: a thorough prose summary of the chapter.\n")
	b.WriteString("- keyPoints: the essential points, in teaching order.\n")
	b.WriteString("- highYield: facts most likely to be examined.\n")
	b.WriteString("- mnemonics: 3-5 memorable mnemonics with a short name and the mnemonic content.\n")
	b.WriteString("- memoryPalace: one narrative walk-through linking the chapter's main ideas to locations.\n")
	b.WriteString("- questions: 8-15 multiple-choice questions; correctAnswer is the zero-based index into options; difficulty is one of easy, medium, hard.\n")
	b.WriteString("- flashcards: 15-25 atomic active-recall cards.\n\n")
	fmt.Fprintf(&b, "Chapter title: %s\n\nChapter text:\n%s\n", title, text)
	return b.String()
}

// BuildStudyGuidePrompt renders the request for one additional study guide
// section. Existing guide text is included so the model extends rather than
// repeats it.
func BuildStudyGuidePrompt(chapterTitle, topic, existing string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write one new study guide section on %q for the chapter %q.\n\n", topic, chapterTitle)
	b.WriteString("Respond with the section text in Markdown only. Start with a level-2 heading. Do not repeat material already covered below, and do not add any preamble outside the section itself.\n")
	if strings.TrimSpace(existing) != "" {
		b.WriteString("\nExisting study guide:\n")
		b.WriteString(existing)
		b.WriteString("\n")
	}
	return b.String()
}
