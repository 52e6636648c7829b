// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

// Package query runs the multi-step prompt pipeline for a single help
// request: a main explanatory answer and a sufficiency check dispatched
// concurrently, an optional cleanup rewrite when the answer leaks example
// code, and on-demand topic extraction over a stored query.
package query

import (
	"fmt"
	"strings"
	"unicode"

	"codehelp/platform/orchestrator/llm"
)

// defaultIssue substitutes for an empty issue when an error message is
// present, preventing a degenerate empty-issue prompt.
const defaultIssue = "Please help me understand this error."

// Inputs are the student-supplied fields of one help request plus the
// instructor context text resolved by the caller.
type Inputs struct {
	Context string
	Code    string
	Error   string
	Issue   string
}

// Normalize trims trailing whitespace from the error and issue and fills in
// the default issue text when only an error was given.
func (in Inputs) Normalize() Inputs {
	in.Error = strings.TrimRightFunc(in.Error, unicode.IsSpace)
	in.Issue = strings.TrimRightFunc(in.Issue, unicode.IsSpace)
	if in.Error != "" && in.Issue == "" {
		in.Issue = defaultIssue
	}
	return in
}

const (
	mainJob       = "to respond to a student's query as a helpful expert teacher"
	sufficientJob = "to evaluate whether a student's query contains sufficient detail for you to provide assistance"
)

// commonSystem renders the shared system preamble describing the query
// fields present and any instructor context.
func commonSystem(job string, in Inputs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a system for assisting students learning CS and programming.  Your job here is %s.\n\nA query contains:\n", job)
	if in.Code != "" {
		b.WriteString(" - a relevant snippet of their code (in \"<code>\")\n")
	}
	if in.Error != "" {
		b.WriteString(" - an error message they are seeing (in \"<error>\")\n")
	}
	if in.Issue != "" || in.Error == "" {
		b.WriteString(" - an issue or question and how they want assistance (in \"<issue>\")\n")
	}
	if in.Context != "" {
		fmt.Fprintf(&b, "Additional context provided by the instructor:\n<context>\n%s\n</context>\n", in.Context)
	}
	return b.String()
}

// commonUser renders the student's own fields, tagged.
func commonUser(in Inputs) string {
	var b strings.Builder
	if in.Code != "" {
		fmt.Fprintf(&b, "<code>\n%s\n</code>\n", in.Code)
	}
	if in.Error != "" {
		fmt.Fprintf(&b, "<error>\n%s\n</error>\n", in.Error)
	}
	if in.Issue != "" || in.Error == "" {
		fmt.Fprintf(&b, "<issue>\n%s\n</issue>\n", in.Issue)
	}
	return b.String()
}

const mainInstructions = "If the student query is off-topic, respond with an error.\n" +
	"\n" +
	"Otherwise, respond to the student with an educational explanation, helping the student figure out the issue and understand the concepts involved.  If the student query includes an error message, tell the student what it means, giving a detailed explanation to help the student understand the message.  Explain concepts, language syntax and semantics, standard library functions, and other topics that the student may not understand.  Be positive and encouraging!\n" +
	"\n" +
	"- Do not write a corrected or updated version of the student's code.  You must not write code for the student.\n" +
	"- Use Markdown formatting, including ` for inline code.\n" +
	"- Use TeX syntax for mathematical formulas, wrapping them in \\(...\\) or \\[...\\] as appropriate.\n" +
	"- Do not write a heading for the response.\n" +
	"- Do not write any example code blocks.\n" +
	"- If the student wrote in a language other than English, always respond in the student's own language.\n" +
	"- Do not greet the student such as Dear [student], etc.\n" +
	"- Do not end the response with a signature such as Best Regards, [Your Name], etc.\n" +
	"- Do not thank the student for the query and explain what you are going to do, just get straight to the point and answer the query.\n" +
	"\n" +
	"How would you respond to the student to guide them and explain concepts without providing example code?\n"

const sufficientInstructions = "Do not tell the student how to solve the issue or correct their code.\n" +
	"\n" +
	"Please assess their query and tell them whether it contains sufficient detail for you to potentially provide help (write \"OK.\") or not (ask for clarification). You can make reasonable assumptions about missing details. Only ask for clarification if the query is completely ambiguous or unclear.\n" +
	" - If the query is sufficient and you are able to help, say \"OK.\"\n" +
	" - Or, if you cannot help without additional information, write directly to the student and clearly describe the additional information you need. Ask for the most important piece of information, and do not overwhelm the student with minor details.\n"

// MainPrompt builds the primary answer prompt. Inputs must be normalized.
func MainPrompt(in Inputs) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: commonSystem(mainJob, in)},
		{Role: llm.RoleUser, Content: commonUser(in)},
		{Role: llm.RoleSystem, Content: mainInstructions},
	}
}

// SufficiencyPrompt builds the sufficiency-check prompt. Inputs must be
// normalized.
func SufficiencyPrompt(in Inputs) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: commonSystem(sufficientJob, in)},
		{Role: llm.RoleUser, Content: commonUser(in)},
		{Role: llm.RoleSystem, Content: sufficientInstructions},
	}
}

// CleanupPrompt builds the corrective rewrite prompt over a prior answer
// that leaked example code.
func CleanupPrompt(responseText string) string {
	return "The following was written to help a student in a CS class. However, any example code (such as in ``` Markdown delimiters) can give the student an assignment's answer rather than help them figure it out themselves. We need to provide help without including example code. To do this, rewrite the following to remove any code blocks so that the response explains what the student should do but does not provide solution code. Remove any use salutations such as Dear [student], [student name]. Do not leave any signatures in the message at the end of message for example such as Best Regards, etc.\n" +
		"---\n" +
		responseText + "\n" +
		"---\n" +
		"Rewritten:\n"
}

// TopicsPrompt builds the struggling-concept labeling prompt over a stored
// query and its main answer text.
func TopicsPrompt(in Inputs, responseText string) []llm.Message {
	exchange := fmt.Sprintf("<context>%s</context>\n<code>%s</code>\n<error>%s</error>\n<issue>%s</issue>\n",
		in.Context, in.Code, in.Error, in.Issue)
	return []llm.Message{
		{Role: llm.RoleUser, Content: exchange},
		{Role: llm.RoleAssistant, Content: responseText},
		{Role: llm.RoleUser, Content: "Please give me a list of specific concepts I appear to be having difficulty with in the above exchange. Write each in title case."},
		{Role: llm.RoleSystem, Content: "Respond with a JSON-formatted array of strings with NO other text, like: [\"Item1\",\"Item2\",\"Item3\",\"Item4\"]"},
	}
}
