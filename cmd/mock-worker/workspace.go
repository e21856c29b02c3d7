package main

// seedWorkspace returns the files a fresh worker starts with. SOUL.md and
// AGENTS.md are the two the control plane edits through its workspace
// endpoints; prepare installs skill files alongside them.
func seedWorkspace() map[string]string {
	return map[string]string{
		"SOUL.md": `# Soul

You are a careful, methodical engineer. Prefer small verifiable steps over
big rewrites. When context is missing, say what you assumed instead of
guessing silently.
`,
		"AGENTS.md": `# Agent Guidelines

- Run the test suite before declaring work done.
- Keep answers short; reference files by path instead of pasting them.
- Never commit secrets or credentials.
`,
		"README.md": `# Workspace

Scratch workspace for the mock worker. Files here back the simulated read
and search tool calls so streams show plausible content.
`,
	}
}
