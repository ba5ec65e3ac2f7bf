package actions

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig, shellCfg ShellConfig) error {
	all := make([]Action, 0, 16)

	all = append(all, UtilityActions()...)
	all = append(all, HTTPActions(httpCfg)...)
	all = append(all, ShellActions(shellCfg)...)
	all = append(all, ExprActions()...)

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
