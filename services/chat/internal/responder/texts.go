package responder

const (
	// WelcomeMessage opens every new conversation.
	WelcomeMessage = "¡Hola! Soy Mama, tu asistente de salud. 💜\n\nEstoy aquí para ayudarte. Cuéntame, ¿qué síntomas estás experimentando hoy?"

	AttachmentAck = "¡Gracias por compartir tus documentos médicos! 📄\n\nLos he guardado en tu biblioteca médica para que puedas acceder a ellos cuando los necesites.\n\n¿Hay algo específico sobre estos documentos que te gustaría preguntarme?"

	// AttachmentOnlyContent is stored as the user message when a file is
	// sent without text.
	AttachmentOnlyContent = "📎 1 archivo adjunto"
)

const (
	TopicHeadache    = "headache"
	TopicFever       = "fever"
	TopicStomach     = "stomach"
	TopicFatigue     = "fatigue"
	TopicRespiratory = "respiratory"
)

// Topics returns the symptom table in match order.
func Topics() []Topic {
	return []Topic{
		{
			Key:            TopicHeadache,
			Keywords:       []string{"dolor", "cabeza", "cefalea"},
			FollowUp:       "¿Hace cuánto tiempo tienes este dolor de cabeza? ¿Es constante o intermitente?",
			Recommendation: "Para el dolor de cabeza te recomiendo:\n\n• Descansar en un lugar oscuro y silencioso\n• Tomar abundante agua\n• Aplicar compresas frías en la frente\n• Si persiste más de 24 horas, consulta con un médico\n\n¿Tienes algún otro síntoma?",
		},
		{
			Key:            TopicFever,
			Keywords:       []string{"fiebre", "temperatura", "caliente"},
			FollowUp:       "¿Has medido tu temperatura? ¿Tienes otros síntomas como escalofríos o sudoración?",
			Recommendation: "Para la fiebre te recomiendo:\n\n• Mantente hidratado con agua y líquidos\n• Usa ropa ligera\n• Descansa lo suficiente\n• Si la fiebre supera 38.5°C o dura más de 3 días, consulta a un médico\n\n¿Hay algo más que te preocupe?",
		},
		{
			Key:            TopicStomach,
			Keywords:       []string{"estómago", "náuseas", "vómito", "diarrea", "digestión"},
			FollowUp:       "¿Desde cuándo tienes estas molestias estomacales? ¿Has comido algo diferente recientemente?",
			Recommendation: "Para las molestias estomacales te recomiendo:\n\n• Dieta blanda (arroz, pollo, plátano)\n• Evita alimentos grasos y picantes\n• Toma líquidos en pequeños sorbos\n• Si hay sangre o los síntomas persisten, busca atención médica\n\n¿Cómo te sientes ahora?",
		},
		{
			Key:            TopicFatigue,
			Keywords:       []string{"cansancio", "fatiga", "sueño", "agotado"},
			FollowUp:       "¿Cuántas horas estás durmiendo? ¿Este cansancio es reciente o llevas tiempo sintiéndote así?",
			Recommendation: "Para combatir el cansancio te recomiendo:\n\n• Dormir 7-8 horas diarias\n• Hacer ejercicio ligero regularmente\n• Alimentación balanceada\n• Reducir el estrés con técnicas de relajación\n\n¿Te gustaría agendar una cita con un especialista?",
		},
		{
			Key:            TopicRespiratory,
			Keywords:       []string{"tos", "gripe", "resfriado", "congestión", "nariz"},
			FollowUp:       "¿La tos es seca o con flema? ¿Tienes otros síntomas como congestión nasal?",
			Recommendation: "Para los síntomas de gripe te recomiendo:\n\n• Descanso absoluto\n• Líquidos calientes (té, sopas)\n• Miel con limón para la garganta\n• Vapor de agua para la congestión\n• Si hay dificultad para respirar, consulta inmediatamente\n\n¿Necesitas más ayuda?",
		},
	}
}

var defaultSmallTalk = []smallTalk{
	{
		keywords: []string{"gracias", "thank"},
		message:  "¡De nada! Recuerda que estoy aquí para ayudarte. Si tienes más preguntas sobre tu salud, no dudes en consultarme. 💜\n\n¿Hay algo más en lo que pueda ayudarte?",
	},
	{
		keywords: []string{"cita", "doctor", "médico"},
		message:  "¡Claro! Puedo ayudarte a encontrar un especialista. En la sección de citas podrás ver los profesionales disponibles.\n\n¿Te gustaría que te recomiende alguno según tus síntomas?",
	},
	{
		keywords: []string{"hola", "buenos", "buenas"},
		message:  "¡Hola! ¿Cómo te encuentras hoy? Cuéntame si tienes algún síntoma o malestar que te preocupe. Estoy aquí para ayudarte. 💜",
	},
	{
		keywords: []string{"archivo", "documento", "foto", "subir"},
		message:  "¡Claro! Puedes subir fotos y documentos médicos usando el botón 📎 junto al campo de texto. Se guardarán en tu biblioteca médica para que puedas acceder a ellos cuando lo necesites.",
	},
}

// Fallbacks returns the generic clarifying questions.
func Fallbacks() []string {
	return []string{
		"Entiendo. ¿Podrías darme más detalles sobre cómo te sientes? Por ejemplo, ¿dónde sientes las molestias?",
		"Gracias por compartir eso conmigo. ¿Hace cuánto tiempo comenzaste a sentirte así?",
		"Es importante que me cuentes más. ¿El malestar es constante o aparece en ciertos momentos?",
		"¿Hay algo que haga que te sientas mejor o peor? Cuéntame más para poder ayudarte mejor.",
	}
}
