package options

// Defaults is the option tree every user document is merged over.
func Defaults() map[string]any {
	return map[string]any{
		"silent":        false,
		"print-options": false,
		"mesh": map[string]any{
			"file":       "",
			"model-file": "",
			"refine":     0,
			"num-nodes":  11,
			"x-min":      0.0,
			"x-max":      1.0,
			"spacing":    "uniform",
		},
		"space-dis": map[string]any{
			"degree":     1,
			"basis-type": "H1",
		},
		"time-dis": map[string]any{
			"type": TimeSteady,
		},
		"nonlin-solver": map[string]any{
			"type":       "newton",
			"printlevel": 1,
			"maxiter":    100,
			"reltol":     1e-14,
			"abstol":     1e-14,
			"abort":      true,
			"linesearch": map[string]any{
				"type":    "backtracking",
				"mu":      1e-4,
				"rho-lo":  0.1,
				"rho-hi":  0.5,
				"maxiter": 10,
			},
		},
		"lin-solver": map[string]any{
			"type":       "lu",
			"printlevel": 1,
			"maxiter":    100,
			"reltol":     1e-12,
			"abstol":     1e-12,
		},
		"adj-solver": map[string]any{
			"type":       "lu",
			"printlevel": 0,
			"maxiter":    100,
			"reltol":     1e-8,
			"abstol":     1e-10,
		},
	}
}
