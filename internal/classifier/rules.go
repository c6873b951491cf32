package classifier

import (
	"regexp"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

// Rule maps a label to the text patterns that vote for it.
type Rule struct {
	Label    string
	Patterns []*regexp.Regexp
}

// Tables holds one rule list per family. Order matters: the first matching
// rule in a family becomes the primary label.
type Tables struct {
	Kinds         []Rule
	Categories    []Rule
	Subcategories []Rule
	Complexity    []Rule
}

func rule(label string, patterns ...string) Rule {
	r := Rule{Label: label}
	for _, p := range patterns {
		r.Patterns = append(r.Patterns, regexp.MustCompile(p))
	}
	return r
}

const (
	inlineCode = "`[^`\n]+`"
	fencedCode = "```"
	pyDef      = `\bdef\s+\w+\s*\(`
)

// DefaultTables returns the built-in keyword tables.
func DefaultTables() Tables {
	return Tables{
		Kinds: []Rule{
			rule(string(crawler.KindConcept),
				`(?i)\b(concepts?|ideas?|principles?|theory|theories|fundamentals?|overview|understand(?:ing)?)\b`),
			rule(string(crawler.KindExample),
				`(?i)\b(examples?|for instance|sample|demo)\b`, `(?i)\be\.g\.`, fencedCode, inlineCode),
			rule(string(crawler.KindDefinition),
				`(?i)\b(is defined as|refers to|definitions?|is known as|stands for)\b`,
				`^[A-Z][\w -]{1,40} (?:is|are) (?:a|an|the) `),
			rule(string(crawler.KindProcedure),
				`(?i)\b(step\s+\d+|steps|how to|install|installing|configure|set up)\b`,
				`(?i)\b(first|then|next|finally),`,
				`(?m)^\s*\d+[.)]\s+\S`),
			rule(string(crawler.KindWarning),
				`(?i)\b(warning|caution|danger|avoid|never|do not|don't|deprecated|beware)\b`),
			rule(string(crawler.KindTip),
				`(?i)\b(tips?|hint|pro tip|recommend(?:ed)?|should|consider)\b`),
			rule(string(crawler.KindReference),
				`(?i)\b(reference|documentation|parameters?|returns?|arguments?|see also|signature)\b`),
			rule(string(crawler.KindTutorial),
				`(?i)\b(tutorials?|guides?|walkthrough|lessons?|learn|getting started|explains?|explained)\b`),
			rule(string(crawler.KindComparison),
				`(?i)\b(vs\.?|versus|compared (?:to|with)|comparison|difference between|better than|unlike|whereas)\b`),
			rule(string(crawler.KindTroubleshooting),
				`(?i)\b(errors?|exceptions?|fix(?:ed|ing)?|issues?|problems?|troubleshoot(?:ing)?|debug(?:ging)?|solution|workaround)\b`),
		},
		Categories: []Rule{
			rule(crawler.CategoryProgramming,
				`(?i)\b(functions?|variables?|class(?:es)?|methods?|loops?|code|programming|compil(?:e|er|ation)|syntax|algorithms?|recursion|arrays?)\b`,
				pyDef, fencedCode, inlineCode),
			rule(crawler.CategoryAPI,
				`(?i)\b(api|apis|endpoints?|requests?|responses?|http|rest(?:ful)?|graphql|sdk|json|webhooks?)\b`),
			rule(crawler.CategoryTutorial,
				`(?i)\b(tutorials?|step[- ]by[- ]step|walkthrough|lessons?|getting started)\b`),
			rule(crawler.CategoryReference,
				`(?i)\b(reference|specification|documentation|manual|parameters?|return values?|signatures?)\b`),
			rule(crawler.CategoryBestPractice,
				`(?i)\b(best practices?|recommended|conventions?|idiomatic|pitfalls?|anti-?patterns?|guidelines?)\b`),
		},
		Subcategories: []Rule{
			rule("python", `(?i)\bpython\b`, pyDef, `\bpip install\b`),
			rule("javascript", `(?i)\b(javascript|node\.?js|npm)\b`, `\b(?:const|let)\s+\w+\s*=`),
			rule("typescript", `(?i)\btypescript\b`),
			rule("go", `(?i)\b(golang|goroutines?)\b`, `\bfunc\s+\w*\s*\(`, `\bgo (?:mod|build|run|test)\b`),
			rule("rust", `(?i)\b(rust|cargo)\b`, `\bfn\s+\w+\s*\(`),
			rule("java", `(?i)\bjava\b`, `\bpublic\s+static\s+void\b`),
			rule("c++", `(?i)c\+\+`, `(?i)\bcpp\b`, `#include\s*<`),
			rule("sql", `(?i)\b(sql|postgres(?:ql)?|mysql|sqlite)\b`, `(?i)\bselect\s+[\w*, ]+\s+from\b`),
			rule("docker", `(?i)\b(docker(?:file)?|containers?)\b`),
			rule("kubernetes", `(?i)\b(kubernetes|k8s|kubectl)\b`),
			rule("react", `(?i)\b(react|jsx|usestate|useeffect)\b`),
			rule("git", `(?i)\bgit (?:clone|commit|push|pull|rebase|merge|checkout)\b`, `(?i)\bgithub\b`),
			rule("linux", `(?i)\b(linux|bash|ubuntu|chmod|sudo)\b`),
			rule("html", `(?i)\bhtml5?\b`, `<(?:div|span|p|a)\b`),
			rule("css", `(?i)\b(css3?|flexbox|stylesheets?)\b`),
		},
		Complexity: []Rule{
			rule(string(crawler.ComplexityBeginner),
				`(?i)\b(basics?|beginners?|introduction|intro|simple|getting started|first steps|easy)\b`),
			rule(string(crawler.ComplexityIntermediate),
				`(?i)\b(intermediate|practical|common patterns?|in practice|real-world|usage)\b`),
			rule(string(crawler.ComplexityAdvanced),
				`(?i)\b(advanced|optimi[sz]ation|internals|concurrency|performance|architecture|deep dive|low-level|scalab(?:le|ility))\b`),
		},
	}
}
