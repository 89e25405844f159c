package subtasks

// DefaultRegistry builds the closed catalog of subtask kinds the agent
// runtime's built-in executors implement (internal/agentrt.DefaultExecutors):
// get_hostname, get_system_info, and shell_command. A deployment with
// custom agent capabilities registers additional kinds on top of this one.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, k := range []Kind{
		{
			Name:        "get_hostname",
			Description: "Reports the agent machine's hostname.",
		},
		{
			Name:        "get_system_info",
			Description: "Reports OS, architecture, and CPU count for the agent machine.",
		},
		{
			Name:        "shell_command",
			Description: "Runs a shell command on the agent machine and captures its output.",
			ArgsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "minLength": 1},
				},
				"required":             []any{"command"},
				"additionalProperties": true,
			},
		},
	} {
		if err := r.Register(k); err != nil {
			panic("subtasks: default registry: " + err.Error())
		}
	}
	return r
}
