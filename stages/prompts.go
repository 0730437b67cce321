package stages

const digestPrompt = `Summarize the following source for a survey on "%s".
Keep the key claims, methods and findings. Answer in plain prose.

Title: %s

%s`

const writePrompt = `Write a structured literature survey on "%s".
%s
Organize the survey into %d sections with markdown headings. Cite sources as [n]
using the numbered digests below.

%s`
