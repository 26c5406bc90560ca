package compliance

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys for validation feedback.
const (
	msgAgeRequired     = "compliance.age.required"
	msgTermsUnread     = "compliance.terms.unread"
	msgPolicyRequired  = "compliance.policy.required"
	msgPreviousPending = "compliance.previous.pending"
)

var supported = []language.Tag{language.English, language.Spanish, language.French}

var matcher = language.NewMatcher(supported)

var translations = map[language.Tag]map[string]string{
	language.English: {
		msgAgeRequired:     "You must verify your age to proceed.",
		msgTermsUnread:     "Please scroll to the bottom to read all terms before accepting.",
		msgPolicyRequired:  "Please acknowledge the content policy to continue.",
		msgPreviousPending: "Please complete the previous step first.",
	},
	language.Spanish: {
		msgAgeRequired:     "Debes verificar tu edad para continuar.",
		msgTermsUnread:     "Desplázate hasta el final para leer todos los términos antes de aceptar.",
		msgPolicyRequired:  "Reconoce la política de contenido para continuar.",
		msgPreviousPending: "Completa primero el paso anterior.",
	},
	language.French: {
		msgAgeRequired:     "Vous devez vérifier votre âge pour continuer.",
		msgTermsUnread:     "Faites défiler jusqu'en bas pour lire toutes les conditions avant d'accepter.",
		msgPolicyRequired:  "Veuillez accepter la politique de contenu pour continuer.",
		msgPreviousPending: "Veuillez d'abord terminer l'étape précédente.",
	},
}

func init() {
	for tag, msgs := range translations {
		for key, text := range msgs {
			if err := message.SetString(tag, key, text); err != nil {
				panic("compliance: register message " + key + ": " + err.Error())
			}
		}
	}
}

// newPrinter returns a printer for the closest supported language.
func newPrinter(requested language.Tag) *message.Printer {
	_, index, _ := matcher.Match(requested)
	return message.NewPrinter(supported[index])
}
