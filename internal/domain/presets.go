package domain

// DefaultPresets returns the built-in reviewer personas seeded into a fresh
// store on first boot: a generalist plus three specialists, mirroring the
// teacher's DefaultReviewerConfig/SpecializedReviewers split (general,
// security, performance, architecture) so operators get a usable panel
// without hand-authoring one first.
func DefaultPresets() []Preset {
	return []Preset{
		{
			Name: "general",
			Agent: Agent{
				ModelID:      "general",
				ClientKind:   ClientClaudeCode,
				Provider:     "anthropic",
				Strictness:   StrictnessBalanced,
				SystemPrompt: "You are a general-purpose code reviewer. Look for bugs, logic errors, security vulnerabilities, and violations of the repository's own conventions.",
				Focus:        []string{"bugs", "logic_errors", "security_vulnerabilities", "convention_compliance"},
				Color:        "#6b7280",
				Enabled:      true,
				Status:       AgentIdle,
			},
		},
		{
			Name: "security",
			Agent: Agent{
				ModelID:      "security",
				ClientKind:   ClientClaudeCode,
				Provider:     "anthropic",
				Strictness:   StrictnessStrict,
				SystemPrompt: "You are a security-focused code reviewer. Look for injection vulnerabilities, authentication bypass, authorization flaws, sensitive data exposure, and cryptographic issues.",
				Focus:        []string{"injection_vulnerabilities", "authentication_bypass", "authorization_flaws", "sensitive_data_exposure", "cryptographic_issues"},
				Color:        "#dc2626",
				Enabled:      false,
				Status:       AgentIdle,
			},
		},
		{
			Name: "performance",
			Agent: Agent{
				ModelID:      "performance",
				ClientKind:   ClientClaudeCode,
				Provider:     "anthropic",
				Strictness:   StrictnessBalanced,
				SystemPrompt: "You are a performance-focused code reviewer. Look for N+1 queries, memory leaks, inefficient algorithms, unnecessary allocations, and blocking operations on hot paths.",
				Focus:        []string{"n_plus_one_queries", "memory_leaks", "inefficient_algorithms", "unnecessary_allocations", "blocking_operations"},
				Color:        "#d97706",
				Enabled:      false,
				Status:       AgentIdle,
			},
		},
		{
			Name: "architecture",
			Agent: Agent{
				ModelID:      "architecture",
				ClientKind:   ClientClaudeCode,
				Provider:     "anthropic",
				Strictness:   StrictnessLenient,
				SystemPrompt: "You are an architecture-focused code reviewer. Look for separation-of-concerns violations, poor interface design, tangled dependency management, and untestable code.",
				Focus:        []string{"separation_of_concerns", "interface_design", "dependency_management", "testability"},
				Color:        "#2563eb",
				Enabled:      false,
				Status:       AgentIdle,
			},
		},
	}
}
