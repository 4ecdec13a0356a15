package content

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Transcript is one fetched source.
type Transcript struct {
	Source string
	Text   string
}

// ChapterPlan is one entry of an outline.
type ChapterPlan struct {
	Number    int      `json:"number"`
	Heading   string   `json:"heading"`
	Source    string   `json:"source"`
	KeyPoints []string `json:"key_points"`
}

// Outline is the chapter plan of a book.
type Outline struct {
	Title    string        `json:"title"`
	Chapters []ChapterPlan `json:"chapters"`
}

const (
	headingWords      = 6
	keyPointsPerPlan  = 3
	sentencesPerBlock = 4
)

// Composer turns transcripts into an outline and chapters. It is deterministic:
// the same input always yields the same text, so a retried compose stage overwrites
// its previous output with identical content.
type Composer struct {
	lang language.Tag
}

// NewComposer returns a Composer for English headings.
func NewComposer() *Composer {
	return &Composer{lang: language.English}
}

// Outline plans one chapter per non-empty transcript.
func (c *Composer) Outline(title string, transcripts []Transcript) (Outline, error) {
	out := Outline{Title: c.heading(title)}
	for _, tr := range transcripts {
		sentences := Sentences(tr.Text)
		if len(sentences) == 0 {
			continue
		}
		plan := ChapterPlan{
			Number:  len(out.Chapters) + 1,
			Heading: c.heading(firstWords(sentences[0], headingWords)),
			Source:  tr.Source,
		}
		for i := 0; i < len(sentences) && i < keyPointsPerPlan; i++ {
			plan.KeyPoints = append(plan.KeyPoints, sentences[i])
		}
		out.Chapters = append(out.Chapters, plan)
	}
	if len(out.Chapters) == 0 {
		return Outline{}, fmt.Errorf("outline: no usable transcript text")
	}
	if out.Title == "" {
		out.Title = out.Chapters[0].Heading
	}
	return out, nil
}

// Chapter writes the text of plan from its transcript.
func (c *Composer) Chapter(plan ChapterPlan, tr Transcript) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chapter %d: %s\n\n", plan.Number, plan.Heading)
	sentences := Sentences(tr.Text)
	for i := 0; i < len(sentences); i += sentencesPerBlock {
		end := i + sentencesPerBlock
		if end > len(sentences) {
			end = len(sentences)
		}
		b.WriteString(strings.Join(sentences[i:end], " "))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// Assemble joins a title and chapters into the document body.
func (c *Composer) Assemble(outline Outline, chapters []string) string {
	var b strings.Builder
	b.WriteString(outline.Title)
	b.WriteString("\n\n")
	for i, ch := range chapters {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(ch)
	}
	return b.String()
}

// heading title-cases s. Casers keep state, so each call gets its own.
func (c *Composer) heading(s string) string {
	return cases.Title(c.lang).String(strings.TrimSpace(s))
}

// Sentences splits normalized text on terminal punctuation and collapses whitespace.
func Sentences(text string) []string {
	text = norm.NFC.String(text)
	var out []string
	var cur strings.Builder
	flush := func() {
		s := strings.Join(strings.Fields(cur.String()), " ")
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return out
}

func firstWords(s string, n int) string {
	words := strings.Fields(strings.TrimRightFunc(s, unicode.IsPunct))
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
