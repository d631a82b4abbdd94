package domain

import "strings"

// Feature names a metered capability.
type Feature string

const (
	FeatureOCRScan         Feature = "OCR_SCAN"
	FeatureDocumentUpload  Feature = "DOCUMENT_UPLOAD"
	FeatureAPICall         Feature = "API_CALL"
	FeatureAICompletion    Feature = "AI_COMPLETION"
	FeatureStorageGB       Feature = "STORAGE_GB"
	FeatureSMSNotification Feature = "SMS_NOTIFICATION"
	FeatureESignature      Feature = "E_SIGNATURE"
)

var knownFeatures = map[Feature]struct{}{
	FeatureOCRScan:         {},
	FeatureDocumentUpload:  {},
	FeatureAPICall:         {},
	FeatureAICompletion:    {},
	FeatureStorageGB:       {},
	FeatureSMSNotification: {},
	FeatureESignature:      {},
}

func ParseFeature(raw string) (Feature, error) {
	f := Feature(strings.ToUpper(strings.TrimSpace(raw)))
	if !f.Valid() {
		return "", ErrInvalidFeature
	}
	return f, nil
}

func (f Feature) Valid() bool {
	_, ok := knownFeatures[f]
	return ok
}

func (f Feature) String() string { return string(f) }
