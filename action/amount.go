package action

// Amount extracts the monetary amount an action commits to. ok is false for actions
// that carry no amount or whose amount cannot be derived.
func Amount(a Action) (amount float64, ok bool) {
	switch args := a.Args.(type) {
	case CreateRequisitionArgs:
		if len(args.Items) == 0 {
			return 0, false
		}
		for _, it := range args.Items {
			if it.Negative() {
				return 0, false
			}
		}
		return args.Total(), true
	case RouteApprovalArgs:
		return args.TotalAmount, args.TotalAmount >= 0
	case CheckBudgetArgs:
		return args.Amount, args.Amount >= 0
	}
	return 0, false
}

// DefaultSensitivity returns the catalog's built-in sensitivity rules: expressions
// evaluated against an action's Args that hold an action for review regardless of amount.
func DefaultSensitivity() map[Kind][]string {
	return map[Kind][]string{
		SendSlackAlert: {`Level == "critical"`},
	}
}

// Monetary reports whether actions of kind commit money, whether or not a given
// instance's amount could be derived.
func Monetary(k Kind) bool {
	switch k {
	case CreateRequisition, RouteApproval, CheckBudget:
		return true
	}
	return false
}
