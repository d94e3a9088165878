package metrics

const (
	ClkcalBeaconsReceivedH     = "The total number of clock calibration beacons received"
	ClkcalBeaconsReceivedN     = "clkcal_beacons_received"
	ClkcalBeaconsDuplicateH    = "The total number of beacons dropped because their sequence number did not advance"
	ClkcalBeaconsDuplicateN    = "clkcal_beacons_duplicate"
	ClkcalCyclesValidH         = "The total number of estimator cycles completed without a numerical fault"
	ClkcalCyclesValidN         = "clkcal_cycles_valid"
	ClkcalDivergencesH         = "The total number of estimator divergences (NaN or Inf in state or factors)"
	ClkcalDivergencesN         = "clkcal_divergences"
	ClkcalHalfPeriodsH         = "The total number of cycles whose elapsed beacon count was ambiguous"
	ClkcalHalfPeriodsN         = "clkcal_half_periods"
	ClkcalIllConditionedH      = "The total number of cycles flagged ill-conditioned"
	ClkcalIllConditionedN      = "clkcal_ill_conditioned"
	ClkcalNotPositiveDefiniteH = "The total number of cycles with a non-positive factorization pivot"
	ClkcalNotPositiveDefiniteN = "clkcal_not_positive_definite"
	ClkcalRestartsH            = "The total number of estimator restarts"
	ClkcalRestartsN            = "clkcal_restarts"
	ClkcalRolloversH           = "The total number of timestamp counter rollovers observed"
	ClkcalRolloversN           = "clkcal_rollovers"
	ClkcalSkewH                = "The current estimated skew relative to the reference clock, in parts per million"
	ClkcalSkewN                = "clkcal_skew_ppm"
)
