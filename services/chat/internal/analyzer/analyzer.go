package analyzer

import (
	"errors"
	"strings"

	"mamahealth/pkg/domain"
)

// Result is the outcome of analyzing one library file.
type Result struct {
	ReliabilityScore int
	DocumentType     domain.DocumentType
	TextChars        int
}

type classRule struct {
	docType  domain.DocumentType
	keywords []string
}

// first match wins
var classRules = []classRule{
	{domain.DocumentLabResult, []string{"laboratorio", "hemograma", "resultado", "glucosa", "colesterol", "valores de referencia"}},
	{domain.DocumentPrescription, []string{"receta", "prescripción", "dosis", "cada 8 horas", "cada 12 horas"}},
	{domain.DocumentCertificate, []string{"certificado", "certifica", "constancia", "incapacidad"}},
	{domain.DocumentMedicalRecord, []string{"historia clínica", "expediente", "epicrisis", "diagnóstico", "evolución"}},
}

// markers that make a document more trustworthy
var trustMarkers = []string{"dr.", "dra.", "firma", "cédula", "registro médico", "fecha", "hospital", "clínica"}

// Classify maps document text (falling back to the file name) onto a type.
func Classify(text, fileName string) domain.DocumentType {
	haystack := strings.ToLower(text + " " + fileName)
	for _, rule := range classRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return rule.docType
			}
		}
	}
	return domain.DocumentOther
}

// Score is a heuristic 0-100 reliability estimate.
func Score(text string, docType domain.DocumentType, kind domain.AttachmentKind) int {
	if text == "" {
		if kind == domain.AttachmentImage {
			return 30
		}
		return 20
	}
	score := 40
	if docType != domain.DocumentOther {
		score += 15
	}
	lower := strings.ToLower(text)
	for _, marker := range trustMarkers {
		if strings.Contains(lower, marker) {
			score += 8
		}
	}
	if len(text) > 500 {
		score += 5
	}
	if score > 95 {
		score = 95
	}
	return score
}

// Analyze extracts, classifies and scores a file.
func Analyze(data []byte, mimeType, fileName string) (Result, error) {
	text, err := ExtractText(data, mimeType, fileName)
	if err != nil && !errors.Is(err, ErrNoText) {
		return Result{}, err
	}
	docType := Classify(text, fileName)
	return Result{
		ReliabilityScore: Score(text, docType, domain.KindForMIME(mimeType)),
		DocumentType:     docType,
		TextChars:        len(text),
	}, nil
}
