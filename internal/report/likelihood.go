package report

import "cloud.google.com/go/vision/v2/apiv1/visionpb"

// Expression names returned by ClassifyExpression.
const (
	ExpressionJoy      = "joy"
	ExpressionSorrow   = "sorrow"
	ExpressionAnger    = "anger"
	ExpressionSurprise = "surprise"
	ExpressionNeutral  = "neutral"
)

// DescribeLikelihood returns a lower-case phrase for a likelihood value.
func DescribeLikelihood(l visionpb.Likelihood) string {
	switch l {
	case visionpb.Likelihood_VERY_UNLIKELY:
		return "very unlikely"
	case visionpb.Likelihood_UNLIKELY:
		return "unlikely"
	case visionpb.Likelihood_POSSIBLE:
		return "possible"
	case visionpb.Likelihood_LIKELY:
		return "likely"
	case visionpb.Likelihood_VERY_LIKELY:
		return "very likely"
	default:
		return "unknown"
	}
}

// ClassifyExpression picks the face's most likely expression among joy,
// sorrow, anger and surprise. Only POSSIBLE or stronger counts; ties keep the
// earlier expression. Faces with no qualifying expression are neutral.
func ClassifyExpression(face *visionpb.FaceAnnotation) string {
	candidates := []struct {
		name       string
		likelihood visionpb.Likelihood
	}{
		{ExpressionJoy, face.GetJoyLikelihood()},
		{ExpressionSorrow, face.GetSorrowLikelihood()},
		{ExpressionAnger, face.GetAngerLikelihood()},
		{ExpressionSurprise, face.GetSurpriseLikelihood()},
	}

	best, bestLikelihood := ExpressionNeutral, visionpb.Likelihood_UNLIKELY
	for _, c := range candidates {
		if c.likelihood > bestLikelihood {
			best, bestLikelihood = c.name, c.likelihood
		}
	}
	return best
}
