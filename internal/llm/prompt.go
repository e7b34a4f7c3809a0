package llm

import "fmt"

const systemPrompt = "You analyze web pages and answer with a single JSON object."

func buildPrompt(title, content string) string {
	return fmt.Sprintf(`Analyze the following web page and produce a summary and keywords.

Title: %s

Content:
%s

Respond in JSON with exactly this shape:
{
  "summary": "summary of the page (about 200 characters)",
  "keywords": ["keyword1", "keyword2", ..., "keyword%d"]
}

Summary requirements:
- Capture the main points concisely
- Keep it to about 200 characters
- Enough detail for a reader to understand what the page is about

Keyword requirements:
- Pick the words and phrases that characterize the content
- Include technical terms, concepts, people, companies and products
- Prefer words that are useful for search
- Produce exactly %d keywords
- No duplicates
- Write the summary and keywords in the language of the page`, title, content, MaxKeywords, MaxKeywords)
}
